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
	"fmt"
	"strings"
)

const deviceUnknown = "unknown"

// Имена sentence-transformers, которые у Ollama называются иначе
var modelAliases = map[string]string{
	"all-MiniLM-L6-v2":                        "all-minilm:l6-v2",
	"all-MiniLM-L12-v2":                       "all-minilm:l12-v2",
	"sentence-transformers/all-MiniLM-L6-v2":  "all-minilm:l6-v2",
	"sentence-transformers/all-MiniLM-L12-v2": "all-minilm:l12-v2",
}

// sentence-transformers обрезает эти модели до 256 токенов, хотя BERT умеет 512
var modelSeqLengths = map[string]int{
	"all-minilm:l6-v2":  256,
	"all-minilm:l12-v2": 256,
}

// defaultSeqLength is the context cap used when none is configured, 0 means
// the model's own context length.
func defaultSeqLength(runtimeModel string) int {
	return modelSeqLengths[runtimeModel]
}

// ResolveModel maps a model identifier to the tag the runtime knows it by.
// Unknown identifiers are passed through untouched.
func ResolveModel(identifier string) string {
	if tag, ok := modelAliases[identifier]; ok {
		return tag
	}
	return identifier
}

func sameModel(running, wanted string) bool {
	return withTag(running) == withTag(wanted)
}

func withTag(name string) string {
	if strings.Contains(name, ":") {
		return name
	}
	return name + ":latest"
}

// model_info хранит числа как float64 (после JSON)
func modelInfoInt(info map[string]any, suffix string) int {
	arch, _ := info["general.architecture"].(string)
	if arch != "" {
		if v, ok := info[arch+"."+suffix].(float64); ok {
			return int(v)
		}
	}

	for key, value := range info {
		if strings.HasSuffix(key, "."+suffix) {
			if v, ok := value.(float64); ok {
				return int(v)
			}
		}
	}

	return 0
}

func contextLength(info map[string]any) int {
	return modelInfoInt(info, "context_length")
}

func embeddingLength(info map[string]any) int {
	return modelInfoInt(info, "embedding_length")
}

// describeDevice sums up where the runtime placed the weights.
func describeDevice(size, sizeVRAM int64) string {
	switch {
	case sizeVRAM <= 0:
		return "cpu"
	case sizeVRAM >= size:
		return "gpu"
	default:
		return fmt.Sprintf("gpu+cpu (%d%% gpu)", sizeVRAM*100/size)
	}
}
