package subscription

import "context"

// SideEffect is the outcome of a best-effort call made on behalf of a parent
// operation. Its failure is logged and never fails the parent.
type SideEffect struct {
	Name string
	Err  error
}

// OK reports whether the side effect succeeded.
func (s SideEffect) OK() bool {
	return s.Err == nil
}

func (m *Manager) bestEffort(ctx context.Context, name string, fields []Field, fn func(context.Context) error) SideEffect {
	effect := SideEffect{Name: name, Err: fn(ctx)}
	fields = append(fields, Field{Key: "side_effect", Value: name})
	if effect.Err != nil {
		m.logger.Warn("best-effort side effect failed", append(fields, errField(effect.Err))...)
		return effect
	}
	m.logger.Debug("best-effort side effect succeeded", fields...)
	return effect
}
