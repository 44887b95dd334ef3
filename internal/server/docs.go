/*
   embedserver - local sentence embedding server
   Copyright (C) 2025  Unbewohnte (Kasyanov Nikolay Alexeevich)

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU General Public License as published by
   the Free Software Foundation, either version 3 of the License, or
   (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU General Public License for more details.

   You should have received a copy of the GNU General Public License
   along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package server

import (
	"bytes"
	_ "embed"
	"fmt"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"
)

//go:embed docs.md
var docsTemplate string

const docsPage = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>%s</title>
</head>
<body>
%s
</body>
</html>
`

// RenderMarkdown converts markdown into an HTML fragment
func RenderMarkdown(markdown string) (string, error) {
	md := goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
		goldmark.WithRendererOptions(
			html.WithXHTML(),
		),
	)

	var buf bytes.Buffer
	if err := md.Convert([]byte(markdown), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Подставляет текущие параметры модели в шаблон документации
func (ws *WebServer) renderDocs() ([]byte, error) {
	replacer := strings.NewReplacer(
		"{{TITLE}}", ServiceTitle,
		"{{VERSION}}", ServiceVersion,
		"{{SERVICE}}", ServiceName,
		"{{MODEL}}", ws.model.Name(),
		"{{DIMENSIONS}}", strconv.Itoa(ws.model.Dimension()),
		"{{MAX_SEQ_LENGTH}}", strconv.Itoa(ws.model.MaxSeqLength()),
		"{{DEVICE}}", ws.model.Device(),
	)

	body, err := RenderMarkdown(replacer.Replace(docsTemplate))
	if err != nil {
		return nil, fmt.Errorf("failed to render docs: %w", err)
	}

	return []byte(fmt.Sprintf(docsPage, ServiceTitle, body)), nil
}
