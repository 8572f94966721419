package crashes

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDump = `goroutine 1 [running]:
main.(*server).handle(0xc000010000, {0x5c1e40, 0xc000012345})
	/src/app/server.go:42 +0x1d
main.main()
	/src/app/main.go:10 +0x25

goroutine 18 [chan receive, 3 minutes]:
example.com/worker.run(...)
	/go/pkg/mod/example.com/worker/run.go:7
created by example.com/worker.Start in goroutine 1
	/go/pkg/mod/example.com/worker/start.go:19 +0x66
`

func TestParseGoroutines(t *testing.T) {
	threads := parseGoroutines([]byte(sampleDump))
	require.Len(t, threads, 2)

	main := threads[0]
	assert.Equal(t, int64(1), main.ID)
	require.NotNil(t, main.Name)
	assert.Equal(t, "running", *main.Name)
	require.Len(t, main.Frames, 2)
	assert.Equal(t, "main.(*server)", *main.Frames[0].ClassName)
	assert.Equal(t, "handle", *main.Frames[0].MethodName)
	assert.Equal(t, "/src/app/server.go", *main.Frames[0].FileName)
	assert.Equal(t, 42, *main.Frames[0].LineNumber)
	assert.Equal(t, "main", *main.Frames[1].MethodName)

	worker := threads[1]
	assert.Equal(t, int64(18), worker.ID)
	assert.Equal(t, "chan receive", *worker.Name)
	require.Len(t, worker.Frames, 2)
	assert.Equal(t, "example.com/worker", *worker.Frames[0].ClassName)
	assert.Equal(t, "run", *worker.Frames[0].MethodName)
	assert.Equal(t, 7, *worker.Frames[0].LineNumber)
	assert.Equal(t, "Start", *worker.Frames[1].MethodName)
	assert.Equal(t, 19, *worker.Frames[1].LineNumber)
}

func TestParseGoroutines_Garbage(t *testing.T) {
	assert.Empty(t, parseGoroutines(nil))
	assert.Empty(t, parseGoroutines([]byte("not a stack\n\tat all\n")))
}

func TestSplitFunction(t *testing.T) {
	tests := []struct {
		name, class, method string
	}{
		{"main.main", "main", "main"},
		{"github.com/acme/app/pkg.(*T).Method", "github.com/acme/app/pkg.(*T)", "Method"},
		{"github.com/acme/app/pkg.Func.func1", "github.com/acme/app/pkg.Func", "func1"},
		{"github.com/acme/v1.2/pkg.Run", "github.com/acme/v1.2/pkg", "Run"},
		{"orphan", "", "orphan"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			class, method := splitFunction(tt.name)
			assert.Equal(t, tt.class, class)
			assert.Equal(t, tt.method, method)
		})
	}
}

func TestExceptionOf(t *testing.T) {
	root := errors.New("disk full")
	wrapped := fmt.Errorf("saving profile: %w", root)

	ex := exceptionOf(wrapped)
	assert.Equal(t, "*fmt.wrapError", ex.Type)
	assert.Equal(t, "saving profile: disk full", *ex.Message)
	require.Len(t, ex.InnerExceptions, 1)
	assert.Equal(t, "*errors.errorString", ex.InnerExceptions[0].Type)
	assert.Empty(t, ex.InnerExceptions[0].InnerExceptions)

	joined := exceptionOf(errors.Join(root, errors.New("network down")))
	assert.Len(t, joined.InnerExceptions, 2)

	value := exceptionOf(42)
	assert.Equal(t, "int", value.Type)
	assert.Equal(t, "42", *value.Message)
}

func TestCurrentGoroutine(t *testing.T) {
	id, state := currentGoroutine()
	assert.Positive(t, id)
	assert.Equal(t, "running", state)
}
