package dlv

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/go-delve/delve/service/api"
)

type RenderOptions struct {
	// MaxDepth limits nesting of composite values. Defaults to 3.
	MaxDepth int
	// MaxChildren limits the elements shown per composite. Defaults to 20.
	MaxChildren int
}

func (o RenderOptions) withDefaults() RenderOptions {
	if o.MaxDepth == 0 {
		o.MaxDepth = 3
	}
	if o.MaxChildren == 0 {
		o.MaxChildren = 20
	}
	return o
}

// Render pretty prints a delve variable on a single line. Scalars come out as
// "value (type)", strings quoted, composites as "Type{ field = value, ... }".
func Render(v *api.Variable, opts RenderOptions) string {
	if v == nil {
		return "nil"
	}
	opts = opts.withDefaults()
	if isScalar(v) && v.Unreadable == "" {
		return scalar(v) + " (" + v.Type + ")"
	}
	return render(v, opts, 0)
}

func isScalar(v *api.Variable) bool {
	switch v.Kind {
	case reflect.Struct, reflect.Array, reflect.Slice, reflect.Map, reflect.Ptr, reflect.Interface, reflect.String:
		return false
	}
	return true
}

func scalar(v *api.Variable) string {
	if v.Value == "" {
		return "?"
	}
	return v.Value
}

func render(v *api.Variable, opts RenderOptions, depth int) string {
	if v.Unreadable != "" {
		return "<unreadable: " + v.Unreadable + ">"
	}
	switch v.Kind {
	case reflect.String:
		s := strconv.Quote(v.Value)
		if int64(len(v.Value)) < v.Len {
			s += "..."
		}
		return s
	case reflect.Ptr:
		if len(v.Children) == 0 || (v.Children[0].Addr == 0 && v.Children[0].OnlyAddr) {
			return "nil"
		}
		return "&" + unwrap(&v.Children[0], opts, depth)
	case reflect.Interface:
		if len(v.Children) == 0 {
			return "nil"
		}
		return unwrap(&v.Children[0], opts, depth)
	case reflect.Struct:
		if depth >= opts.MaxDepth {
			return v.Type + "{...}"
		}
		return v.Type + "{" + fields(v, opts, depth) + "}"
	case reflect.Array, reflect.Slice:
		if depth >= opts.MaxDepth {
			return v.Type + "{...}"
		}
		return v.Type + "{" + elements(v, opts, depth) + "}"
	case reflect.Map:
		if depth >= opts.MaxDepth {
			return v.Type + "{...}"
		}
		return v.Type + "{" + entries(v, opts, depth) + "}"
	}
	return scalar(v)
}

// unwrap renders the only child of a pointer or interface. Chains of single
// child wrappers (**T, interface holding *T) collapse into one level so they
// do not eat the depth budget.
func unwrap(child *api.Variable, opts RenderOptions, depth int) string {
	for (child.Kind == reflect.Interface || child.Kind == reflect.Ptr) && len(child.Children) == 1 {
		child = &child.Children[0]
	}
	return render(child, opts, depth)
}

func fields(v *api.Variable, opts RenderOptions, depth int) string {
	if len(v.Children) == 0 {
		return ""
	}
	parts := make([]string, 0, len(v.Children))
	for i := range v.Children {
		if i == opts.MaxChildren {
			parts = append(parts, "...")
			break
		}
		c := &v.Children[i]
		parts = append(parts, c.Name+" = "+render(c, opts, depth+1))
	}
	return " " + strings.Join(parts, ", ") + " "
}

func elements(v *api.Variable, opts RenderOptions, depth int) string {
	if len(v.Children) == 0 {
		return ""
	}
	parts := make([]string, 0, len(v.Children))
	for i := range v.Children {
		if i == opts.MaxChildren {
			break
		}
		parts = append(parts, render(&v.Children[i], opts, depth+1))
	}
	if int64(len(parts)) < v.Len {
		parts = append(parts, "...")
	}
	return " " + strings.Join(parts, ", ") + " "
}

// map children alternate key and value
func entries(v *api.Variable, opts RenderOptions, depth int) string {
	if len(v.Children) < 2 {
		return ""
	}
	parts := make([]string, 0, len(v.Children)/2)
	for i := 0; i+1 < len(v.Children); i += 2 {
		if len(parts) == opts.MaxChildren {
			break
		}
		parts = append(parts, render(&v.Children[i], opts, depth+1)+" = "+render(&v.Children[i+1], opts, depth+1))
	}
	if int64(len(parts)) < v.Len {
		parts = append(parts, "...")
	}
	return " " + strings.Join(parts, ", ") + " "
}
