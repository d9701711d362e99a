// nolint: gochecknoglobals
package idgenerator

import (
	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	EtcdNamespaceForTestLength = 10
	SessionSuffixLength        = 6
)

// alphabet used in ID generation.
var alphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

func EtcdNamespaceForTest() string {
	return gonanoid.MustGenerate(alphabet, EtcdNamespaceForTestLength)
}

// SessionSuffix distinguishes instances started in the same process, for example in tests.
func SessionSuffix() string {
	return gonanoid.MustGenerate(alphabet, SessionSuffixLength)
}

// TaskID identifies one execution of a job on one instance.
func TaskID() string {
	return uuid.NewString()
}
