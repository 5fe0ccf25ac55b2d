package translator

import (
	"errors"
	"math"
	"unicode"
	"unicode/utf8"
)

var ErrInvalidText = errors.New("translator: text is not valid UTF-8")

// promptOverhead covers the fixed instructions wrapped around every batch.
const promptOverhead = 60

// Estimator predicts prompt tokens without calling the provider. Latin
// text runs about four characters per token, other alphabets about two,
// and CJK ideographs one.
type Estimator struct{}

func (Estimator) EstimateTokens(text string) (int, error) {
	if !utf8.ValidString(text) {
		return 0, ErrInvalidText
	}
	if text == "" {
		return 0, nil
	}
	var units float64
	for _, r := range text {
		switch {
		case r < utf8.RuneSelf:
			units += 0.25
		case unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul):
			units++
		default:
			units += 0.5
		}
	}
	return int(math.Ceil(units)) + promptOverhead, nil
}
