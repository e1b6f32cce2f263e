package audit_test

import (
	"testing"

	"github.com/abdoulaahmad/transcrypt2/audit"
	"github.com/abdoulaahmad/transcrypt2/audit/audittest"
	"github.com/abdoulaahmad/transcrypt2/storage/memory"
)

func TestRepositoryStore(t *testing.T) {
	audittest.Run(t, func(t *testing.T) audit.Log {
		return audit.NewStore(memory.NewRepository())
	})
}
