package xerrors

import "errors"

// Kind classifies a failure by the step that produced it. The zero value
// means unclassified.
type Kind string

const (
	KindUnknown     Kind = ""
	KindConfig      Kind = "config"
	KindCredentials Kind = "credentials"
	KindDownload    Kind = "download"
	KindExtract     Kind = "extract"
	KindSync        Kind = "sync"
	KindReport      Kind = "report"
	KindInternal    Kind = "internal"
)

func (k Kind) String() string {
	if k == KindUnknown {
		return "unknown"
	}
	return string(k)
}

type kinded struct {
	err  error
	kind Kind
}

func (k *kinded) Error() string     { return k.err.Error() }
func (k *kinded) Unwrap() error     { return k.err }
func (k *kinded) Kind() Kind        { return k.kind }
func (k *kinded) IsXerrorsWrapper() {}

// WithKind tags err with kind. The message is unchanged. An outer tag wins
// over an inner one when read back with KindOf.
func WithKind(err error, kind Kind) error {
	if err == nil {
		return nil
	}
	return &kinded{err: err, kind: kind}
}

// KindOf returns the outermost Kind in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var k interface{ Kind() Kind }
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindUnknown
}

// IsKind reports whether the outermost Kind in err's chain is kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
