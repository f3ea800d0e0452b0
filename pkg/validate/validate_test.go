package validate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/brc420/ordindexer/pkg/domain"
	"github.com/brc420/ordindexer/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDeployContentValid(t *testing.T) {
	content := `{"p":"brc-420","op":"deploy","id":"abci0","name":"widgets","max":100,"price":"0.001"}`
	d, reason := ParseDeployContent(content, 800000, 1, "abci0")
	require.Equal(t, ReasonNone, reason)
	require.NotNil(t, d)
	assert.Equal(t, "widgets", d.Name)
	assert.Equal(t, int64(100), d.Max)
	assert.Equal(t, "0.001", d.Price)
}

func TestParseDeployContentRejectsBadShape(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not json", `not json at all`},
		{"wrong protocol", `{"p":"brc-69","op":"deploy","id":"a","name":"n","max":1,"price":"0.1"}`},
		{"wrong op", `{"p":"brc-420","op":"mint","id":"a","name":"n","max":1,"price":"0.1"}`},
		{"missing name", `{"p":"brc-420","op":"deploy","id":"a","name":"","max":1,"price":"0.1"}`},
		{"zero max", `{"p":"brc-420","op":"deploy","id":"a","name":"n","max":0,"price":"0.1"}`},
		{"too many fractional digits", `{"p":"brc-420","op":"deploy","id":"a","name":"n","max":1,"price":"0.123456789"}`},
		{"negative price", `{"p":"brc-420","op":"deploy","id":"a","name":"n","max":1,"price":"-0.1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, reason := ParseDeployContent(tt.content, 1, 1, "a")
			assert.Equal(t, ReasonSchemaInvalid, reason)
		})
	}
}

func TestDeployValidatorRequiresDeployerAddress(t *testing.T) {
	v := NewDeployValidator()
	d := &domain.Deploy{DeployerAddress: "", Timestamp: 1000}
	assert.Equal(t, ReasonSchemaInvalid, v.Validate(d))

	d.DeployerAddress = "bc1qsomeone"
	assert.Equal(t, ReasonNone, v.Validate(d))
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "validate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBitmapValidatorRejectsTooEarly(t *testing.T) {
	v := NewBitmapValidator(newTestStore(t))
	reason := v.Validate(context.Background(), 800000, 700000, "bm1")
	assert.Equal(t, ReasonBlockTooEarly, reason)
}

func TestBitmapValidatorRejectsDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.SaveBitmap(ctx, &domain.Bitmap{InscriptionID: "bm1", BlockHeight: 100, BitmapNumber: 100, Address: "bc1qa", Content: "100.bitmap", Position: 1})
	require.NoError(t, err)

	v := NewBitmapValidator(s)
	assert.Equal(t, ReasonDuplicateBitmap, v.Validate(ctx, 100, 200, "bm2"))
}

func TestBitmapValidatorAcceptsSameInscriptionResubmission(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.SaveBitmap(ctx, &domain.Bitmap{InscriptionID: "bm1", BlockHeight: 100, BitmapNumber: 100, Address: "bc1qa", Content: "100.bitmap", Position: 1})
	require.NoError(t, err)

	v := NewBitmapValidator(s)
	assert.Equal(t, ReasonNone, v.Validate(ctx, 100, 200, "bm1"))
}

func TestBitmapValidatorAccepts(t *testing.T) {
	v := NewBitmapValidator(newTestStore(t))
	assert.Equal(t, ReasonNone, v.Validate(context.Background(), 100, 200, "bm1"))
}
