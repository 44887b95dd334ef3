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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"reflect"
	"strings"
)

type ErrorResponse struct {
	Detail any `json:"detail"`
}

type ValidationIssue struct {
	Loc  []any  `json:"loc"`
	Msg  string `json:"msg"`
	Type string `json:"type"`
}

// requestError is a client fault with a fixed status and detail payload.
// It passes the route boundary untouched.
type requestError struct {
	status int
	detail any
}

func (e *requestError) Error() string {
	return fmt.Sprintf("%d: %v", e.status, e.detail)
}

func badRequest(msg string) error {
	return &requestError{status: http.StatusBadRequest, detail: msg}
}

func unprocessable(issues ...ValidationIssue) error {
	return &requestError{status: http.StatusUnprocessableEntity, detail: issues}
}

func missingField(loc ...any) error {
	return unprocessable(ValidationIssue{
		Loc:  append([]any{"body"}, loc...),
		Msg:  "Field required",
		Type: "missing",
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("Failed to write response: %s", err)
	}
}

func writeDetail(w http.ResponseWriter, status int, detail any) {
	writeJSON(w, status, ErrorResponse{Detail: detail})
}

// decodeBody reads exactly one JSON value into dst, turning decoder failures
// into 422 validation issues. Object keys must match the json tags of dst
// exactly.
func decodeBody(r *http.Request, dst any) error {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return invalidJSON()
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return unprocessable(ValidationIssue{
			Loc:  []any{"body"},
			Msg:  "Field required",
			Type: "missing",
		})
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return invalidJSON()
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return invalidJSON()
	}

	raw, err = dropFoldedKeys(raw, jsonFields(dst))
	if err != nil {
		return invalidJSON()
	}

	err = json.Unmarshal(raw, dst)
	if err == nil {
		return nil
	}

	var typeErr *json.UnmarshalTypeError
	if !errors.As(err, &typeErr) {
		return invalidJSON()
	}

	loc := []any{"body"}
	if typeErr.Field != "" {
		loc = append(loc, typeErr.Field)
	}
	kind, msg := describeKind(typeErr.Type)
	if typeErr.Field == "" {
		kind, msg = "model_attributes_type", "Input should be a valid dictionary or object"
	}
	return unprocessable(ValidationIssue{Loc: loc, Msg: msg, Type: kind})
}

func invalidJSON() error {
	return unprocessable(ValidationIssue{
		Loc:  []any{"body"},
		Msg:  "JSON decode error",
		Type: "json_invalid",
	})
}

// jsonFields lists the json tag names of the struct dst points to.
func jsonFields(dst any) map[string]bool {
	t := reflect.TypeOf(dst)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	fields := map[string]bool{}
	if t.Kind() != reflect.Struct {
		return fields
	}
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if name != "" && name != "-" {
			fields[name] = true
		}
	}
	return fields
}

// dropFoldedKeys removes object keys that only match a field name
// case-insensitively, so "TEXT" does not fill "text". Non-objects are
// returned as is.
func dropFoldedKeys(raw json.RawMessage, fields map[string]bool) (json.RawMessage, error) {
	var object map[string]json.RawMessage
	if err := json.Unmarshal(raw, &object); err != nil || object == nil {
		return raw, nil
	}

	dropped := false
	for key := range object {
		if fields[key] {
			continue
		}
		for field := range fields {
			if strings.EqualFold(key, field) {
				delete(object, key)
				dropped = true
				break
			}
		}
	}
	if !dropped {
		return raw, nil
	}

	return json.Marshal(object)
}

func describeKind(t reflect.Type) (string, string) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	switch t.Kind() {
	case reflect.String:
		return "string_type", "Input should be a valid string"
	case reflect.Slice, reflect.Array:
		return "list_type", "Input should be a valid list"
	default:
		return t.Kind().String() + "_type", "Input should be a valid " + t.Kind().String()
	}
}

type routeFunc func(w http.ResponseWriter, r *http.Request) error

// boundary runs an embedding route. Request errors keep their status,
// anything else (panics included) becomes a 500 whose detail is
// "<prefix>: <cause>".
func boundary(prefix string, route routeFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := func() (err error) {
			defer func() {
				if rec := recover(); rec != nil {
					err = fmt.Errorf("%v", rec)
				}
			}()
			return route(w, r)
		}()
		if err == nil {
			return
		}

		var reqErr *requestError
		if errors.As(err, &reqErr) {
			writeDetail(w, reqErr.status, reqErr.detail)
			return
		}

		log.Printf("[%s] %s: %s", RequestID(r.Context()), prefix, err)
		writeDetail(w, http.StatusInternalServerError, fmt.Sprintf("%s: %s", prefix, err))
	}
}
