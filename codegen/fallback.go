package codegen

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

type fallback struct {
	providers []Vision
	logger    *slog.Logger
}

// Fallback returns a Vision that tries providers in order until one
// answers. Nil providers are skipped; with none left it returns nil.
// A cancelled context is not passed on to the next provider.
func Fallback(logger *slog.Logger, providers ...Vision) Vision {
	if logger == nil {
		logger = slog.Default()
	}
	var kept []Vision
	for _, p := range providers {
		if p != nil {
			kept = append(kept, p)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	}
	return &fallback{providers: kept, logger: logger}
}

func (f *fallback) Name() string {
	names := make([]string, len(f.providers))
	for i, p := range f.providers {
		names[i] = p.Name()
	}
	return strings.Join(names, ">")
}

func (f *fallback) Generate(ctx context.Context, req Request) (string, error) {
	var errs []error
	for i, p := range f.providers {
		out, err := p.Generate(ctx, req)
		if err == nil {
			return out, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
		if i < len(f.providers)-1 {
			f.logger.WarnContext(ctx, "codegen: provider failed, falling back",
				"provider", p.Name(),
				"next", f.providers[i+1].Name(),
				"error", err)
		}
	}
	return "", errors.Join(errs...)
}
