package gpu

import (
	"encoding/binary"
	"math"
)

// Float32Size is the size in bytes of one buffer element.
const Float32Size = 4

// Float32sToBytes encodes values as little-endian float32 bytes.
func Float32sToBytes(values []float32) []byte {
	out := make([]byte, len(values)*Float32Size)
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*Float32Size:], math.Float32bits(v))
	}
	return out
}

// BytesToFloat32s decodes little-endian float32 bytes. Trailing bytes that do
// not form a whole element are ignored.
func BytesToFloat32s(data []byte) []float32 {
	out := make([]float32, len(data)/Float32Size)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*Float32Size:]))
	}
	return out
}

// Float32ArrayToMatrix splits a row-major array into rows. It returns nil
// if the length does not match.
func Float32ArrayToMatrix(array []float32, rows, cols int) [][]float32 {
	if rows <= 0 || cols <= 0 || len(array)%cols != 0 || len(array)/cols != rows {
		return nil
	}

	matrix := make([][]float32, rows)
	for i := 0; i < rows; i++ {
		matrix[i] = append([]float32(nil), array[i*cols:(i+1)*cols]...)
	}
	return matrix
}
