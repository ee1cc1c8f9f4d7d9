package runtime

import (
	"encoding/base64"
	"sync"

	"github.com/GehirnInc/crypt"
	_ "github.com/GehirnInc/crypt/md5_crypt"
	_ "github.com/GehirnInc/crypt/sha256_crypt"
	_ "github.com/GehirnInc/crypt/sha512_crypt"
	"github.com/flosch/pongo2/v6"
)

// Filters available in operation templates: salted crypt(3) digests plus
// byte-safe URL-safe base64. Definitions use them as value transforms, e.g.
// {{ admin_password | sha512_hash }}.
var registerFilters sync.Once

func hashFilter(scheme crypt.Crypt) pongo2.FilterFunction {
	return func(in *pongo2.Value, param *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
		hashed, err := scheme.New().Generate([]byte(in.String()), nil)
		if err != nil {
			return nil, &pongo2.Error{Sender: "filter:hash", OrigError: err}
		}
		return pongo2.AsValue(hashed), nil
	}
}

func b64encodeFilter(in *pongo2.Value, param *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
	return pongo2.AsValue(base64.URLEncoding.EncodeToString([]byte(in.String()))), nil
}

func b64decodeFilter(in *pongo2.Value, param *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
	decoded, err := base64.URLEncoding.DecodeString(in.String())
	if err != nil {
		encErr := &EncodingError{Detail: "value is not valid base64", Err: err}
		return nil, &pongo2.Error{Sender: "filter:b64decode", OrigError: encErr}
	}
	return pongo2.AsValue(string(decoded)), nil
}

func ensureFilters() {
	registerFilters.Do(func() {
		pongo2.RegisterFilter("md5_hash", hashFilter(crypt.MD5))
		pongo2.RegisterFilter("sha256_hash", hashFilter(crypt.SHA256))
		pongo2.RegisterFilter("sha512_hash", hashFilter(crypt.SHA512))
		pongo2.RegisterFilter("b64encode", b64encodeFilter)
		pongo2.RegisterFilter("b64decode", b64decodeFilter)
	})
}

// Render interpolates context values into a template string. It never
// mutates ctx. Variables that are absent from the context render as the
// empty string: operation bodies are routinely rendered before the full
// chain has produced every value, so a lenient policy is required.
// Syntax errors and filter failures return a TemplateError.
func Render(template string, ctx Context) (string, error) {
	ensureFilters()

	tpl, err := pongo2.FromString(template)
	if err != nil {
		return "", &TemplateError{Template: template, Err: err}
	}

	out, err := tpl.Execute(pongo2.Context(ctx))
	if err != nil {
		if perr, ok := err.(*pongo2.Error); ok && perr.OrigError != nil {
			return "", &TemplateError{Template: template, Err: perr.OrigError}
		}
		return "", &TemplateError{Template: template, Err: err}
	}
	return out, nil
}

// RenderParams renders every string found in a parameter map, walking
// nested maps and lists depth-first. Non-string leaves pass through as-is.
func RenderParams(params map[string]any, ctx Context) (map[string]any, error) {
	rendered := make(map[string]any, len(params))
	for k, v := range params {
		r, err := renderValue(v, ctx)
		if err != nil {
			return nil, err
		}
		rendered[k] = r
	}
	return rendered, nil
}

func renderValue(value any, ctx Context) (any, error) {
	switch v := value.(type) {
	case string:
		return Render(v, ctx)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			r, err := renderValue(val, ctx)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			r, err := renderValue(val, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return value, nil
	}
}
