package workflow

// Type identifies one of the fixed job graph templates shipped with the
// client. The string values double as template file names.
type Type string

const (
	TextToImage   Type = "t2i"
	ImageToImage  Type = "i2i"
	Upscale       Type = "upscale"
	VisionCaption Type = "caption"
)

// Types lists every supported workflow in menu order.
func Types() []Type {
	return []Type{TextToImage, ImageToImage, Upscale, VisionCaption}
}

func (t Type) DisplayName() string {
	switch t {
	case TextToImage:
		return "Text to Image"
	case ImageToImage:
		return "Image to Image"
	case Upscale:
		return "Upscale"
	case VisionCaption:
		return "Vision Caption"
	}
	return string(t)
}

// ProducesText reports whether results arrive as a token stream rather
// than a rendered image.
func (t Type) ProducesText() bool {
	return t == VisionCaption
}

// Parameter names recognized by the address tables.
const (
	ParamPrompt = "prompt"
	ParamSeed   = "seed"
	ParamWidth  = "width"
	ParamHeight = "height"
	ParamImage  = "image"
)

// Document is a fully parameterized job graph, ready for submission.
// After submission the server owns it; the client never reads one back.
type Document map[string]any

type valueKind int

const (
	kindText valueKind = iota
	kindInt
)

// Value is a template parameter. The job graph format only ever holds
// integers or text at addressed inputs, so those are the only two kinds.
type Value struct {
	kind valueKind
	n    int64
	s    string
}

func Int(n int64) Value   { return Value{kind: kindInt, n: n} }
func Text(s string) Value { return Value{kind: kindText, s: s} }

func (v Value) IsInt() bool { return v.kind == kindInt }

// Int64 returns the integer payload; zero for text values.
func (v Value) Int64() int64 { return v.n }

func (v Value) String() string {
	if v.kind == kindInt {
		return ""
	}
	return v.s
}

// jsonValue is what gets written into the document tree.
func (v Value) jsonValue() any {
	if v.kind == kindInt {
		return v.n
	}
	return v.s
}

// Params carries the loosely typed user parameters for one build.
type Params map[string]Value
