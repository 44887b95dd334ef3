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

package inference

import (
	"Unbewohnte/embedserver/internal/similarity"
	"context"
	"fmt"

	ollama "github.com/ollama/ollama/api"
)

// Отрицательное значение держит модель в памяти до остановки Ollama
var keepLoaded = ollama.Duration{Duration: -1}

func (c *Client) embedRequest(texts []string) *ollama.EmbedRequest {
	// Длинные входы молча обрезаются до контекста модели
	truncate := true

	req := &ollama.EmbedRequest{
		Model:     c.RuntimeModel,
		Input:     texts,
		Truncate:  &truncate,
		KeepAlive: &keepLoaded,
	}
	if c.maxSeqCap > 0 {
		req.Options = map[string]any{
			"num_ctx": c.maxSeqCap,
		}
	}

	return req
}

func (c *Client) embed(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	resp, err := c.Client.Embed(ctx, c.embedRequest(texts))
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}

	for i, vector := range resp.Embeddings {
		if len(vector) == 0 {
			return nil, fmt.Errorf("empty embedding returned for input %d", i)
		}
		if c.dimension != 0 && len(vector) != c.dimension {
			return nil, fmt.Errorf("embedding %d has %d dimensions, expected %d", i, len(vector), c.dimension)
		}
		if c.Normalize {
			similarity.NormalizeVector(vector)
		}
	}

	return resp.Embeddings, nil
}
