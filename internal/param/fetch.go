package param

import "context"

type Fetcher interface {
	Fetch(context.Context, string) (string, error)
}

// StaticFetcher hands back a value supplied up front, for running outside AWS.
type StaticFetcher struct {
	Value string
}

func (f *StaticFetcher) Fetch(context.Context, string) (string, error) {
	return f.Value, nil
}
