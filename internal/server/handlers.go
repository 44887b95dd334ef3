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
	"Unbewohnte/embedserver/internal/inference"
	"net/http"
)

var _ Embedder = (*inference.Client)(nil)

func (ws *WebServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, RootResponse{
		Status:     "ok",
		Model:      ws.model.Name(),
		Dimensions: ws.model.Dimension(),
		Service:    ServiceName,
	})
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "healthy",
		Model:  ws.model.Name(),
	})
}

func (ws *WebServer) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, InfoResponse{
		Model:        ws.model.Name(),
		Dimensions:   ws.model.Dimension(),
		MaxSeqLength: ws.model.MaxSeqLength(),
		Device:       ws.model.Device(),
	})
}

func (ws *WebServer) handleDocs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(ws.docs)
}

func (ws *WebServer) handleEmbed(w http.ResponseWriter, r *http.Request) error {
	var req EmbedRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if req.Text == nil {
		return missingField("text")
	}

	embedding, err := ws.model.Encode(r.Context(), *req.Text)
	if err != nil {
		return err
	}

	writeJSON(w, http.StatusOK, EmbedResponse{
		Embedding:  embedding,
		Dimensions: len(embedding),
		Model:      ws.model.Name(),
	})
	return nil
}

func (ws *WebServer) handleEmbedBatch(w http.ResponseWriter, r *http.Request) error {
	var req BatchEmbedRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if req.Texts == nil {
		return missingField("texts")
	}

	texts := make([]string, 0, len(*req.Texts))
	var issues []ValidationIssue
	for i, text := range *req.Texts {
		if text == nil {
			issues = append(issues, ValidationIssue{
				Loc:  []any{"body", "texts", i},
				Msg:  "Input should be a valid string",
				Type: "string_type",
			})
			continue
		}
		texts = append(texts, *text)
	}
	if len(issues) > 0 {
		return unprocessable(issues...)
	}

	if len(texts) == 0 {
		return badRequest(inference.ErrEmptyBatch.Error())
	}

	embeddings, err := ws.model.EncodeBatch(r.Context(), texts)
	if err != nil {
		return err
	}

	dimensions := 0
	if len(embeddings) > 0 {
		dimensions = len(embeddings[0])
	}

	writeJSON(w, http.StatusOK, BatchEmbedResponse{
		Embeddings: embeddings,
		Dimensions: dimensions,
		Model:      ws.model.Name(),
	})
	return nil
}
