package server

import "context"

type subjectKey struct{}

// contextWithSubject stores the authenticated JWT subject on ctx.
func contextWithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey{}, subject)
}

// subjectFrom returns the subject stored by authMiddleware, if any.
func subjectFrom(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(subjectKey{}).(string)
	return s, ok && s != ""
}
