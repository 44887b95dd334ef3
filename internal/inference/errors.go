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
	"errors"
	"fmt"
)

var ErrEmptyBatch = errors.New("Empty texts list")

// ModelLoadError means the process has no usable model and must not serve.
type ModelLoadError struct {
	Model string
	Err   error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("failed to load model %q: %v", e.Model, e.Err)
}

func (e *ModelLoadError) Unwrap() error {
	return e.Err
}

// InferenceError wraps any failure while computing vectors
type InferenceError struct {
	Err error
}

func (e *InferenceError) Error() string {
	return e.Err.Error()
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}
