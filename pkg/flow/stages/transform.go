package stages

import (
	"fmt"
	"regexp"

	"github.com/emitflow/emitflow/pkg/flow/pipe"
)

// Map returns a stage that applies fn to each value and emits the result.
func Map(fn func(v any) (any, error)) pipe.Stage {
	return pipe.ProcessFunc(func(e *pipe.Emitter, v any) error {
		out, err := fn(v)
		if err != nil {
			return err
		}
		return e.Emit(out)
	})
}

// Filter returns a stage that emits only the values for which pred returns
// true.
func Filter(pred func(v any) bool) pipe.Stage {
	return pipe.ProcessFunc(func(e *pipe.Emitter, v any) error {
		if pred(v) {
			return e.Emit(v)
		}
		return nil
	})
}

// Grep returns a stage that emits only the strings matching the regular
// expression. The pattern is compiled during setup, so an invalid pattern
// surfaces as a setup fault. Non-string values are formatted with fmt.Sprint
// before matching.
func Grep(pattern string) pipe.Stage {
	return &grep{pattern: pattern}
}

type grep struct {
	pattern string
	re      *regexp.Regexp
}

func (g *grep) Clone() pipe.Stage {
	return &grep{pattern: g.pattern}
}

func (g *grep) Setup(e *pipe.Emitter) error {
	re, err := regexp.Compile(g.pattern)
	if err != nil {
		return err
	}
	g.re = re
	return nil
}

func (g *grep) Process(e *pipe.Emitter, v any) error {
	text, ok := v.(string)
	if !ok {
		text = fmt.Sprint(v)
	}
	if g.re.MatchString(text) {
		return e.Emit(v)
	}
	return nil
}

// Reverse returns a stage that buffers every value it receives, then emits
// them in reverse order during teardown.
func Reverse() pipe.Stage {
	return &reverse{}
}

type reverse struct {
	buf []any
}

func (r *reverse) Clone() pipe.Stage {
	return &reverse{}
}

func (r *reverse) Process(e *pipe.Emitter, v any) error {
	r.buf = append(r.buf, v)
	return nil
}

func (r *reverse) Teardown(e *pipe.Emitter) error {
	for i := len(r.buf) - 1; i >= 0; i-- {
		if err := e.Emit(r.buf[i]); err != nil {
			return err
		}
	}
	return nil
}
