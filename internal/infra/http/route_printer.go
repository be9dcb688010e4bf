package http

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"runtime"
	"slices"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
)

// RouteInfo describes a registered route.
type RouteInfo struct {
	Method  string `json:"method"`
	Path    string `json:"path"`
	Handler string `json:"handler"`
}

// RouteStats is the set of registered routes with a per-method count.
type RouteStats struct {
	Total   int            `json:"total"`
	Methods map[string]int `json:"methods"`
	Routes  []RouteInfo    `json:"routes"`
}

// CollectRoutes walks the router and collects every route, sorted by path.
func CollectRoutes(router Router) RouteStats {
	stats := RouteStats{Methods: make(map[string]int)}
	_ = router.Walk(func(method, path string, handler http.Handler) error {
		stats.Routes = append(stats.Routes, RouteInfo{Method: method, Path: path, Handler: handlerName(handler)})
		stats.Methods[method]++
		stats.Total++
		return nil
	})
	slices.SortFunc(stats.Routes, func(a, b RouteInfo) int {
		if c := strings.Compare(a.Path, b.Path); c != 0 {
			return c
		}
		return strings.Compare(a.Method, b.Method)
	})
	return stats
}

// handlerName resolves a method value such as (*ScanHandler).Start-fm to
// "handler.(*ScanHandler).Start". Middleware-wrapped handlers report the
// outermost wrapper.
func handlerName(h http.Handler) string {
	v := reflect.ValueOf(h)
	if v.Kind() == reflect.Func {
		if fn := runtime.FuncForPC(v.Pointer()); fn != nil {
			name := fn.Name()
			if i := strings.LastIndex(name, "/"); i >= 0 {
				name = name[i+1:]
			}
			return strings.TrimSuffix(name, "-fm")
		}
	}
	return fmt.Sprintf("%T", h)
}

// PrintRoutes writes the routes as a table, CSV or JSON.
func PrintRoutes(w io.Writer, stats RouteStats, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Method", "Path", "Handler"})
	for _, r := range stats.Routes {
		t.AppendRow(table.Row{r.Method, r.Path, r.Handler})
	}

	if format == "csv" {
		t.RenderCSV()
		return nil
	}
	t.SetStyle(table.StyleLight)
	t.AppendFooter(table.Row{"", fmt.Sprintf("%d routes", stats.Total), ""})
	t.Render()
	return nil
}
