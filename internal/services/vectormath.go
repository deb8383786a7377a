package services

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"

	"gorm.io/datatypes"
)

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := 0; i < len(a); i++ {
		x := float64(a[i])
		y := float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func ParseEmbeddingJSON(b datatypes.JSON) ([]float32, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var v []float32
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func MustEmbeddingJSON(v []float32) datatypes.JSON {
	b, _ := json.Marshal(v)
	return datatypes.JSON(b)
}

// ContentHash keys the embedding caches: rows are only re-embedded when the
// hash of their source text changes.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
