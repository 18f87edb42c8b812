package validators

import (
	"context"

	"github.com/strongdm/converge/internal/convergence/runtime"
)

// CallableValidator wraps an in-process Go function as a validator. Used by
// embedders and heavily by tests; not constructible from configuration.
type CallableValidator struct {
	ValidatorName string
	Fn            func(ctx context.Context) (output string, err error)
}

func (v *CallableValidator) Name() string { return v.ValidatorName }

func (v *CallableValidator) Execute(ctx context.Context) (runtime.ValidatorResult, error) {
	out, err := v.Fn(ctx)
	res := runtime.ValidatorResult{
		Output:   out,
		Metadata: map[string]any{},
	}
	if err != nil {
		res.Success = false
		res.Stderr = err.Error()
		return res, nil
	}
	res.Success = true
	return res, nil
}
