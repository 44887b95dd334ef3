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

// Поля-указатели: отсутствие поля и null отличаются от пустой строки
type EmbedRequest struct {
	Text *string `json:"text"`
}

type BatchEmbedRequest struct {
	Texts *[]*string `json:"texts"`
}

type EmbedResponse struct {
	Embedding  []float32 `json:"embedding"`
	Dimensions int       `json:"dimensions"`
	Model      string    `json:"model"`
}

type BatchEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Dimensions int         `json:"dimensions"`
	Model      string      `json:"model"`
}

type RootResponse struct {
	Status     string `json:"status"`
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions"`
	Service    string `json:"service"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Model  string `json:"model"`
}

type InfoResponse struct {
	Model        string `json:"model"`
	Dimensions   int    `json:"dimensions"`
	MaxSeqLength int    `json:"max_seq_length"`
	Device       string `json:"device"`
}
