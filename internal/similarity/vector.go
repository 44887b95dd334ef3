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

package similarity

import "math"

// NormalizeVector приводит вектор к единичной длине на месте.
// Нулевые векторы остаются как есть.
func NormalizeVector(vec []float32) {
	magnitude := Magnitude(vec)
	if magnitude == 0 || math.IsNaN(magnitude) {
		return
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / magnitude)
	}
}

func Magnitude(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}
