package matching

import "strings"

// phoneticKey computes a compact metaphone-style key for a single word.
// Vowels are kept only in leading position, common digraphs collapse, and
// voiced/unvoiced pairs fold together, so "SMITH" and "SMYTHE" share a key.
func phoneticKey(word string) string {
	w := strings.ToUpper(strings.TrimSpace(word))
	if w == "" {
		return ""
	}

	var b strings.Builder
	prev := byte(0)
	for i := 0; i < len(w); i++ {
		ch := w[i]
		if ch < 'A' || ch > 'Z' {
			continue
		}

		var code byte
		if ch == 'P' && i+1 < len(w) && w[i+1] == 'H' {
			if prev != 'F' {
				b.WriteByte('F')
				prev = 'F'
			}
			i++
			continue
		}
		switch ch {
		case 'A', 'E', 'I', 'O', 'U', 'Y':
			if b.Len() == 0 {
				code = 'A'
			}
		case 'B', 'P':
			code = 'P'
		case 'C', 'K', 'Q':
			code = 'K'
		case 'D', 'T':
			code = 'T'
		case 'F', 'V':
			code = 'F'
		case 'G', 'J':
			code = 'K'
		case 'H', 'W':
			// silent unless leading
			if b.Len() == 0 {
				code = ch
			}
		case 'L':
			code = 'L'
		case 'M', 'N':
			code = 'M'
		case 'R':
			code = 'R'
		case 'S', 'Z':
			code = 'S'
		case 'X':
			code = 'S'
		}
		if code == 0 || code == prev {
			continue
		}
		b.WriteByte(code)
		prev = code
	}
	return b.String()
}

// phoneticEqual reports whether two normalized names share phonetic keys
// token by token. Names with different token counts never match.
func phoneticEqual(a, b string) bool {
	toksA := strings.Fields(a)
	toksB := strings.Fields(b)
	if len(toksA) == 0 || len(toksA) != len(toksB) {
		return false
	}
	for i := range toksA {
		if phoneticKey(toksA[i]) != phoneticKey(toksB[i]) {
			return false
		}
	}
	return true
}
