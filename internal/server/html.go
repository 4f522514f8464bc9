package server

import (
	"html/template"
	"net/http"

	"github.com/labstack/echo/v4"
)

var errorPageTmpl = template.Must(template.New("error").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>Waypost — sign-in failed</title></head>
<body>
<h1>Sign-in failed</h1>
<p>{{.Description}}</p>
<p><a href="/">Back to Waypost</a></p>
</body>
</html>`))

var appRedirectTmpl = template.Must(template.New("redirect").Parse(`<!doctype html>
<html>
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="0;url={{.Target}}">
<title>Waypost — returning to app</title>
</head>
<body>
<p>Returning to the Waypost app&hellip;</p>
<p><a href="{{.Target}}">Tap here if nothing happens</a></p>
</body>
</html>`))

func (s *Server) renderErrorPage(e echo.Context, code, description string) error {
	e.Response().Header().Set(echo.HeaderContentType, echo.MIMETextHTMLCharsetUTF8)
	e.Response().WriteHeader(http.StatusBadRequest)

	return errorPageTmpl.Execute(e.Response(), map[string]string{
		"Code":        code,
		"Description": description,
	})
}

func (s *Server) renderAppRedirect(e echo.Context, target string) error {
	e.Response().Header().Set(echo.HeaderContentType, echo.MIMETextHTMLCharsetUTF8)
	e.Response().WriteHeader(http.StatusOK)

	// the custom app scheme would otherwise be filtered as an unsafe URL
	return appRedirectTmpl.Execute(e.Response(), map[string]any{
		"Target": template.URL(target),
	})
}
