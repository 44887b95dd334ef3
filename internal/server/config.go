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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultModel = "all-MiniLM-L6-v2"
	DefaultPort  = 8000
)

type OllamaConf struct {
	// Полный URL; пустая строка - клиент Ollama сам читает OLLAMA_HOST
	Host           string `json:"host" yaml:"host"`
	AutoPull       bool   `json:"auto_pull" yaml:"auto_pull"`
	TimeoutSeconds uint   `json:"timeout_seconds" yaml:"timeout_seconds"`
	MaxSeqLength   int    `json:"max_seq_length" yaml:"max_seq_length"`
	Normalize      bool   `json:"normalize" yaml:"normalize"`
}

type CORSConf struct {
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
}

type Config struct {
	Model       string     `json:"model" yaml:"model"`
	Host        string     `json:"host" yaml:"host"`
	Port        uint       `json:"port" yaml:"port"`
	Ollama      OllamaConf `json:"ollama" yaml:"ollama"`
	CORS        CORSConf   `json:"cors" yaml:"cors"`
	LogsFile    string     `json:"logs_file" yaml:"logs_file"`
	Debug       bool       `json:"debug" yaml:"debug"`
	Diagnostics bool       `json:"diagnostics" yaml:"diagnostics"`
}

func DefaultConfig() *Config {
	return &Config{
		Model: DefaultModel,
		Host:  "0.0.0.0",
		Port:  DefaultPort,
		Ollama: OllamaConf{
			Host:           "",
			AutoPull:       true,
			TimeoutSeconds: 0,
			MaxSeqLength:   0,
			Normalize:      false,
		},
		CORS: CORSConf{
			AllowedOrigins: []string{"*"},
		},
		LogsFile:    "",
		Debug:       false,
		Diagnostics: false,
	}
}

func isJSON(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}

func (conf *Config) Save(path string) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	var contents []byte
	if isJSON(path) {
		contents, err = json.MarshalIndent(conf, "", "\t")
	} else {
		contents, err = yaml.Marshal(conf)
	}
	if err != nil {
		return err
	}

	_, err = file.Write(contents)
	return err
}

// ConfigFrom reads a YAML (or .json) file on top of the defaults, so a file
// only needs the keys it changes.
func ConfigFrom(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	contents, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}

	conf := DefaultConfig()
	if isJSON(path) {
		err = json.Unmarshal(contents, conf)
	} else {
		err = yaml.Unmarshal(contents, conf)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	return conf, nil
}

// EnvLookup returns a lookup over the process environment backed by the
// given .env files. Real environment variables win; missing files are skipped.
func EnvLookup(dotenvFiles ...string) (func(string) (string, bool), error) {
	fromFiles := map[string]string{}
	for _, path := range dotenvFiles {
		values, err := godotenv.Read(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		for key, value := range values {
			if _, seen := fromFiles[key]; !seen {
				fromFiles[key] = value
			}
		}
	}

	return func(key string) (string, bool) {
		if value, ok := os.LookupEnv(key); ok {
			return value, true
		}
		value, ok := fromFiles[key]
		return value, ok
	}, nil
}

// ApplyEnvironment overrides configuration values with the ones found through lookup.
// Empty values are ignored.
func (conf *Config) ApplyEnvironment(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		value, ok := lookup(key)
		value = strings.TrimSpace(value)
		return value, ok && value != ""
	}

	if value, ok := get("EMBEDDING_MODEL"); ok {
		conf.Model = value
	}
	if value, ok := get("HOST"); ok {
		conf.Host = value
	}
	if value, ok := get("PORT"); ok {
		port, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", value, err)
		}
		conf.Port = uint(port)
	}
	if value, ok := get("EMBEDDING_AUTO_PULL"); ok {
		autoPull, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid EMBEDDING_AUTO_PULL %q: %w", value, err)
		}
		conf.Ollama.AutoPull = autoPull
	}
	if value, ok := get("EMBEDDING_TIMEOUT_SECONDS"); ok {
		timeout, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid EMBEDDING_TIMEOUT_SECONDS %q: %w", value, err)
		}
		conf.Ollama.TimeoutSeconds = uint(timeout)
	}
	if value, ok := get("EMBEDDING_MAX_SEQ_LENGTH"); ok {
		maxSeqLength, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid EMBEDDING_MAX_SEQ_LENGTH %q: %w", value, err)
		}
		conf.Ollama.MaxSeqLength = maxSeqLength
	}
	if value, ok := get("EMBEDDING_NORMALIZE"); ok {
		normalize, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid EMBEDDING_NORMALIZE %q: %w", value, err)
		}
		conf.Ollama.Normalize = normalize
	}
	if value, ok := get("CORS_ALLOWED_ORIGINS"); ok {
		var origins []string
		for _, origin := range strings.Split(value, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				origins = append(origins, origin)
			}
		}
		conf.CORS.AllowedOrigins = origins
	}
	if value, ok := get("LOGS_FILE"); ok {
		conf.LogsFile = value
	}
	if value, ok := get("DEBUG"); ok {
		debug, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid DEBUG %q: %w", value, err)
		}
		conf.Debug = debug
	}
	if value, ok := get("GOPS"); ok {
		diagnostics, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid GOPS %q: %w", value, err)
		}
		conf.Diagnostics = diagnostics
	}

	return conf.Validate()
}

func (conf *Config) Validate() error {
	if strings.TrimSpace(conf.Model) == "" {
		return errors.New("model identifier is empty")
	}
	if conf.Port == 0 || conf.Port > 65535 {
		return fmt.Errorf("port %d is out of range", conf.Port)
	}
	if conf.Ollama.MaxSeqLength < 0 {
		return fmt.Errorf("max sequence length %d is negative", conf.Ollama.MaxSeqLength)
	}

	return nil
}

func (conf *Config) Addr() string {
	return net.JoinHostPort(conf.Host, strconv.FormatUint(uint64(conf.Port), 10))
}

func (conf *Config) InferenceOptions() inference.Options {
	return inference.Options{
		Model:          conf.Model,
		Host:           conf.Ollama.Host,
		AutoPull:       conf.Ollama.AutoPull,
		TimeoutSeconds: conf.Ollama.TimeoutSeconds,
		MaxSeqLength:   conf.Ollama.MaxSeqLength,
		Normalize:      conf.Ollama.Normalize,
	}
}
