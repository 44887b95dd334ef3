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
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"

	ollama "github.com/ollama/ollama/api"
)

// Текст для прогрева модели при загрузке
const warmupText = "warmup"

type Options struct {
	// Идентификатор модели, как его видят клиенты сервиса
	Model string
	// Адрес Ollama; пустая строка - взять из окружения (OLLAMA_HOST)
	Host           string
	AutoPull       bool
	TimeoutSeconds uint
	MaxSeqLength   int
	Normalize      bool
	HTTPClient     *http.Client
}

// Client owns one loaded embedding model for the lifetime of the process.
// After Load returns it is read-only and safe for concurrent use.
type Client struct {
	ModelName      string
	RuntimeModel   string
	Client         *ollama.Client
	TimeoutSeconds uint
	Normalize      bool

	autoPull     bool
	maxSeqCap    int
	dimension    int
	maxSeqLength int
	device       string
}

func NewClient(opts Options) (*Client, error) {
	if opts.Model == "" {
		return nil, &ModelLoadError{Model: opts.Model, Err: errors.New("model identifier is empty")}
	}

	inference := &Client{
		ModelName:      opts.Model,
		RuntimeModel:   ResolveModel(opts.Model),
		TimeoutSeconds: opts.TimeoutSeconds,
		Normalize:      opts.Normalize,
		autoPull:       opts.AutoPull,
		maxSeqCap:      opts.MaxSeqLength,
	}
	if inference.maxSeqCap == 0 {
		inference.maxSeqCap = defaultSeqLength(inference.RuntimeModel)
	}

	if opts.Host == "" && opts.HTTPClient == nil {
		client, err := ollama.ClientFromEnvironment()
		if err != nil {
			return nil, &ModelLoadError{Model: opts.Model, Err: err}
		}
		inference.Client = client
		return inference, nil
	}

	host := opts.Host
	if host == "" {
		host = "http://127.0.0.1:11434"
	}
	base, err := url.Parse(host)
	if err != nil {
		return nil, &ModelLoadError{Model: opts.Model, Err: fmt.Errorf("invalid runtime address %q: %w", host, err)}
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	inference.Client = ollama.NewClient(base, httpClient)

	return inference, nil
}

// Load makes sure the model is present (pulling it if allowed), loads it into
// memory and records its dimension, context length and compute device.
func (c *Client) Load(ctx context.Context) error {
	show, err := c.show(ctx)
	if err != nil {
		return &ModelLoadError{Model: c.ModelName, Err: err}
	}

	c.maxSeqLength = contextLength(show.ModelInfo)
	if c.maxSeqCap > 0 && (c.maxSeqLength == 0 || c.maxSeqCap < c.maxSeqLength) {
		c.maxSeqLength = c.maxSeqCap
	}

	vectors, err := c.embed(ctx, []string{warmupText})
	if err != nil {
		return &ModelLoadError{Model: c.ModelName, Err: fmt.Errorf("test embedding failed: %w", err)}
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		return &ModelLoadError{Model: c.ModelName, Err: errors.New("test embedding came back empty")}
	}
	c.dimension = len(vectors[0])

	if expected := embeddingLength(show.ModelInfo); expected != 0 && expected != c.dimension {
		log.Printf("Model %s reports embedding length %d but produced %d", c.RuntimeModel, expected, c.dimension)
	}

	c.device = c.lookupDevice(ctx)

	return nil
}

// show inspects the model, pulling it first when it is not available locally.
func (c *Client) show(ctx context.Context) (*ollama.ShowResponse, error) {
	show, err := c.Client.Show(ctx, &ollama.ShowRequest{Model: c.RuntimeModel})
	if err == nil {
		return show, nil
	}

	var statusErr ollama.StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusNotFound {
		return nil, fmt.Errorf("failed to inspect model %q: %w", c.RuntimeModel, err)
	}
	if !c.autoPull {
		return nil, fmt.Errorf("model %q is not available and pulling is disabled", c.RuntimeModel)
	}

	if err := c.pull(ctx); err != nil {
		return nil, err
	}

	show, err = c.Client.Show(ctx, &ollama.ShowRequest{Model: c.RuntimeModel})
	if err != nil {
		return nil, fmt.Errorf("failed to inspect pulled model %q: %w", c.RuntimeModel, err)
	}
	return show, nil
}

func (c *Client) pull(ctx context.Context) error {
	log.Printf("Model %s not found locally, pulling...", c.RuntimeModel)

	lastStatus := ""
	err := c.Client.Pull(ctx, &ollama.PullRequest{Model: c.RuntimeModel}, func(progress ollama.ProgressResponse) error {
		if progress.Status != lastStatus {
			lastStatus = progress.Status
			log.Printf("Pull %s: %s", c.RuntimeModel, progress.Status)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to pull model %q: %w", c.RuntimeModel, err)
	}

	return nil
}

func (c *Client) lookupDevice(ctx context.Context) string {
	running, err := c.Client.ListRunning(ctx)
	if err != nil {
		log.Printf("Could not query running models: %v", err)
		return deviceUnknown
	}

	for _, model := range running.Models {
		if sameModel(model.Name, c.RuntimeModel) || sameModel(model.Model, c.RuntimeModel) {
			return describeDevice(model.Size, model.SizeVRAM)
		}
	}

	return deviceUnknown
}

// Encode returns the embedding of a single text.
func (c *Client) Encode(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.embed(ctx, []string{text})
	if err != nil {
		return nil, &InferenceError{Err: err}
	}
	if len(vectors) != 1 {
		return nil, &InferenceError{Err: fmt.Errorf("runtime returned %d vectors for 1 text", len(vectors))}
	}

	return vectors[0], nil
}

// EncodeBatch embeds all texts in one runtime call, preserving order.
func (c *Client) EncodeBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyBatch
	}

	vectors, err := c.embed(ctx, texts)
	if err != nil {
		return nil, &InferenceError{Err: err}
	}
	if len(vectors) != len(texts) {
		return nil, &InferenceError{Err: fmt.Errorf("runtime returned %d vectors for %d texts", len(vectors), len(texts))}
	}

	return vectors, nil
}

func (c *Client) Name() string {
	return c.ModelName
}

func (c *Client) Dimension() int {
	return c.dimension
}

func (c *Client) MaxSeqLength() int {
	return c.maxSeqLength
}

func (c *Client) Device() string {
	return c.device
}

func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.TimeoutSeconds == 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, time.Duration(c.TimeoutSeconds)*time.Second)
}
