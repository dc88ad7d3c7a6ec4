package convert

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTMLToMarkdown(t *testing.T) {
	tests := []struct {
		name     string
		html     string
		contains []string
		absent   []string
	}{
		{
			name:     "headings and paragraphs",
			html:     `<h1>SCP-173</h1><p><strong>Item #:</strong> SCP-173</p><p>Object Class: <em>Euclid</em></p>`,
			contains: []string{"# SCP-173", "**Item #:** SCP-173", "Object Class: *Euclid*"},
		},
		{
			name:     "boilerplate dropped",
			html:     `<div class="page-rate-widget-box">+5000</div><p>Keep me</p><div class="licensebox">CC BY-SA</div><script>alert(1)</script>`,
			contains: []string{"Keep me"},
			absent:   []string{"+5000", "CC BY-SA", "alert"},
		},
		{
			name:     "lists",
			html:     `<ul><li>one</li><li>two</li></ul><ol><li>first</li></ol>`,
			contains: []string{"- one\n- two", "1. first"},
		},
		{
			name:     "links and images",
			html:     `<p><a href="/scp-002">SCP-002</a> <img src="http://img/173.jpg" alt="statue"></p>`,
			contains: []string{"[SCP-002](/scp-002)", "![statue](http://img/173.jpg)"},
		},
		{
			name:     "blockquote",
			html:     `<blockquote><p>Note: do not blink.</p></blockquote>`,
			contains: []string{"> Note: do not blink."},
		},
		{
			name:     "table",
			html:     `<table><tr><th>Date</th><th>Event</th></tr><tr><td>2005</td><td>Found</td></tr></table>`,
			contains: []string{"| Date | Event |", "| --- | --- |", "| 2005 | Found |"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			md, err := HTMLToMarkdown(tt.html)
			require.NoError(t, err)
			for _, want := range tt.contains {
				assert.Contains(t, md, want)
			}
			for _, unwanted := range tt.absent {
				assert.NotContains(t, md, unwanted)
			}
			assert.False(t, strings.Contains(md, "\n\n\n"), "no runs of blank lines")
		})
	}
}

func TestHTMLToMarkdown_Empty(t *testing.T) {
	for _, in := range []string{"", "   ", `<script>x()</script>`, `<div class="licensebox">only chrome</div>`} {
		_, err := HTMLToMarkdown(in)
		assert.ErrorIs(t, err, ErrEmpty, "input %q", in)
	}
}

func TestHTML_ConvertHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	_, err := HTML{}.Convert(ctx, strings.Repeat("<p>x</p>", 10000))
	if err != nil {
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	}

	md, err := HTML{}.Convert(context.Background(), "<p>plain</p>")
	require.NoError(t, err)
	assert.Equal(t, "plain\n", md)
}
