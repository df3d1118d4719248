package page

import (
	"bytes"
	"context"
	_ "embed"
	"html/template"
	"sync"

	"github.com/dmorgan81/imagebot/internal/config"
	"github.com/dmorgan81/imagebot/internal/log"
	"github.com/samber/do"
)

//go:embed assets/index.html
var indexTmpl string

type Params struct {
	Endpoint string
	Model    string
}

// Templator renders the form page once and serves the cached bytes afterwards.
type Templator struct {
	params Params

	once sync.Once
	html []byte
	err  error
}

func NewTemplator(params Params) *Templator {
	return &Templator{params: params}
}

func NewInjectedTemplator(i *do.Injector) (*Templator, error) {
	cfg := do.MustInvoke[*config.Config](i)
	return NewTemplator(Params{
		Endpoint: do.MustInvokeNamed[string](i, "endpoint"),
		Model:    cfg.Model,
	}), nil
}

func (g *Templator) Template(ctx context.Context) ([]byte, error) {
	g.once.Do(func() {
		log.FromContextOrDiscard(ctx).WithGroup("templator").Info("generating page")

		tmpl, err := template.New("index").Parse(indexTmpl)
		if err != nil {
			g.err = err
			return
		}
		var data bytes.Buffer
		if err := tmpl.Execute(&data, g.params); err != nil {
			g.err = err
			return
		}
		g.html = data.Bytes()
	})
	return g.html, g.err
}
