package rules

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// glossary maps Turkish CAD vocabulary in script comments to the
// engine-side English terms. Keys are matched on token boundaries,
// longest key first, case-insensitively.
var glossary = map[string]string{
	"kalınlık":    "thickness",
	"uzunluk":     "length",
	"genişlik":    "width",
	"yükseklik":   "height",
	"yarıçap":     "radius",
	"çap":         "diameter",
	"delik":       "hole",
	"delik çapı":  "hole diameter",
	"vida":        "screw",
	"somun":       "nut",
	"flanş":       "flange",
	"dişli":       "gear",
	"mil":         "shaft",
	"rulman":      "bearing",
	"kanal":       "slot",
	"pah":         "chamfer",
	"radyüs":      "fillet",
	"derinlik":    "depth",
	"açı":         "angle",
	"malzeme":     "material",
	"çelik":       "steel",
	"alüminyum":   "aluminum",
	"plaka":       "plate",
	"köşe":        "corner",
	"kenar":       "edge",
	"yüzey":       "face",
	"taslak":      "sketch",
	"montaj":      "assembly",
	"parça":       "part",
	"delme":       "drilling",
	"tolerans":    "tolerance",
	"braket":      "bracket",
	"gövde":       "body",
	"simetri":     "symmetry",
	"eksen":       "axis",
	"merkez":      "center",
	"kalıp":       "mold",
	"diş adımı":   "thread pitch",
	"havşa":       "countersink",
	"boşluk":      "clearance",
	"et kalınlığı": "wall thickness",
}

// maxGlossaryWords is the longest multiword term in the glossary.
const maxGlossaryWords = 2

// translateComments rewrites the comment portion of each line through
// the glossary. Code before the comment marker is untouched.
func translateComments(src string) string {
	lines := strings.Split(src, "\n")
	for i, line := range lines {
		idx := commentStart(line)
		if idx < 0 {
			continue
		}
		lines[i] = line[:idx] + translateTokens(line[idx:])
	}
	return strings.Join(lines, "\n")
}

// commentStart finds the first '#' outside string literals.
func commentStart(line string) int {
	var inSingle, inDouble bool
	for i, r := range line {
		switch {
		case r == '\'' && !inDouble:
			inSingle = !inSingle
		case r == '"' && !inSingle:
			inDouble = !inDouble
		case r == '#' && !inSingle && !inDouble:
			return i
		}
	}
	return -1
}

type wordSpan struct {
	start, end int
	lower      string
}

// translateTokens replaces glossary terms against the tokenized text so
// matches always land on word boundaries, multiword terms first.
func translateTokens(text string) string {
	var words []wordSpan
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			i += size
			continue
		}
		j := i
		for j < len(text) {
			r2, s2 := utf8.DecodeRuneInString(text[j:])
			if !unicode.IsLetter(r2) && !unicode.IsDigit(r2) {
				break
			}
			j += s2
		}
		words = append(words, wordSpan{i, j, strings.ToLower(text[i:j])})
		i = j
	}

	var b strings.Builder
	b.Grow(len(text))
	pos, wi := 0, 0
	for wi < len(words) {
		repl, consumed := "", 0
		for n := min(maxGlossaryWords, len(words)-wi); n >= 1; n-- {
			parts := make([]string, n)
			for k := 0; k < n; k++ {
				parts[k] = words[wi+k].lower
			}
			if out, ok := glossary[strings.Join(parts, " ")]; ok {
				repl, consumed = out, n
				break
			}
		}
		if consumed == 0 {
			b.WriteString(text[pos:words[wi].end])
			pos = words[wi].end
			wi++
			continue
		}
		b.WriteString(text[pos:words[wi].start])
		b.WriteString(repl)
		pos = words[wi+consumed-1].end
		wi += consumed
	}
	b.WriteString(text[pos:])
	return b.String()
}
