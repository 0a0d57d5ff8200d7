package main

import (
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/giantswarm/mcp-oauth-dcr/client"
)

// renderCredentials prints one table row per stored server
func renderCredentials(w io.Writer, all []*client.Credentials, now time.Time) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{
		text.FgHiCyan.Sprint("SERVER"),
		text.FgHiCyan.Sprint("CLIENT ID"),
		text.FgHiCyan.Sprint("STATUS"),
		text.FgHiCyan.Sprint("EXPIRES"),
		text.FgHiCyan.Sprint("SCOPE"),
	})

	for _, c := range all {
		t.AppendRow(table.Row{c.ServerURL, c.ClientID, credentialStatus(c, now), formatExpiry(c, now), c.Scope})
	}
	t.Render()
}

func credentialStatus(c *client.Credentials, now time.Time) string {
	switch {
	case !c.HasToken():
		return text.FgYellow.Sprint("registered")
	case !c.TokenExpiresAt.IsZero() && !now.Before(c.TokenExpiresAt):
		if c.RefreshToken != "" {
			return text.FgYellow.Sprint("expired (refreshable)")
		}
		return text.FgRed.Sprint("expired")
	default:
		return text.FgGreen.Sprint("authorized")
	}
}

func formatExpiry(c *client.Credentials, now time.Time) string {
	if !c.HasToken() || c.TokenExpiresAt.IsZero() {
		return "-"
	}
	d := c.TokenExpiresAt.Sub(now).Round(time.Second)
	if d <= 0 {
		return text.FgHiBlack.Sprintf("%s ago", -d)
	}
	return "in " + d.String()
}
