package dashboard

import (
	"context"
	"fmt"
	"io"

	"github.com/a-h/templ"
)

const pageStyle = `body { font-family: sans-serif; margin: 40px auto; max-width: 720px; color: #333; }
h1 { font-size: 1.6em; }
table { border-collapse: collapse; width: 100%; }
td { padding: 4px 8px; border-bottom: 1px solid #eee; }
td:first-child { color: #666; }
.status { color: green; }
.error { color: #b00; }
form input { display: block; margin: 8px 0; padding: 6px; }`

// statusInfo is rendered by statusPage.
type statusInfo struct {
	Version          string
	Uptime           string
	ListenAddresses  []string
	LiveConnections  int64
	AdDomains        int
	StatisticsActive bool
	AuthEnabled      bool
}

func pageHeader(w io.Writer, title string) error {
	_, err := fmt.Fprintf(w, "<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n<title>%s</title>\n<style>%s</style>\n</head>\n<body>\n<h1>%s</h1>\n",
		templ.EscapeString(title), pageStyle, templ.EscapeString(title))
	return err
}

func pageFooter(w io.Writer) error {
	_, err := io.WriteString(w, "</body>\n</html>\n")
	return err
}

// statusPage lists the proxy state and links to the JSON endpoints.
func statusPage(title string, info statusInfo) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if err := pageHeader(w, title); err != nil {
			return err
		}

		statistics := "disabled"
		if info.StatisticsActive {
			statistics = "enabled"
		}
		rows := [][2]string{
			{"Version", info.Version},
			{"Uptime", info.Uptime},
			{"Live connections", fmt.Sprint(info.LiveConnections)},
			{"Ad domains", fmt.Sprint(info.AdDomains)},
			{"Statistics", statistics},
		}
		for _, addr := range info.ListenAddresses {
			rows = append(rows, [2]string{"Listening on", addr})
		}

		if _, err := io.WriteString(w, "<p class=\"status\">Proxy is active and running</p>\n<table>\n"); err != nil {
			return err
		}
		for _, row := range rows {
			if _, err := fmt.Fprintf(w, "<tr><td>%s</td><td>%s</td></tr>\n",
				templ.EscapeString(row[0]), templ.EscapeString(row[1])); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(w, "</table>\n<p>\n"); err != nil {
			return err
		}
		for _, link := range []string{"/api/stats", "/api/blocked", "/api/filtered", "/api/errors", "/api/connections", "/api/adlist", "/proxy.pac"} {
			if _, err := fmt.Fprintf(w, "<a href=\"%s\">%s</a>\n", link, link); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(w, "</p>\n"); err != nil {
			return err
		}
		if info.AuthEnabled {
			if _, err := io.WriteString(w, "<p><a href=\"/logout\">Logout</a></p>\n"); err != nil {
				return err
			}
		}
		return pageFooter(w)
	})
}

// loginPage renders the login form, with errMsg shown above it when set.
func loginPage(title, errMsg string) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if err := pageHeader(w, title); err != nil {
			return err
		}
		if errMsg != "" {
			if _, err := fmt.Fprintf(w, "<p class=\"error\">%s</p>\n", templ.EscapeString(errMsg)); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(w, `<form method="POST" action="/login">
<input type="text" name="username" placeholder="Username" autocomplete="username">
<input type="password" name="password" placeholder="Password" autocomplete="current-password">
<input type="submit" value="Login">
</form>
`); err != nil {
			return err
		}
		return pageFooter(w)
	})
}
