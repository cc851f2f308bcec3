package export

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roster() Table {
	return Table{
		Title:   "Go - members",
		Columns: []string{"Username", "Email", "Subscribed"},
		Rows: [][]string{
			{"ana", "ana@example.com", "2024-03-01"},
			{"bo, jr", "bo@example.com", "2024-03-02"},
		},
	}
}

func TestForFormat(t *testing.T) {
	r, err := ForFormat("CSV")
	require.NoError(t, err)
	assert.Equal(t, "csv", r.Extension())

	r, err = ForFormat("pdf")
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", r.ContentType())

	_, err = ForFormat("xlsx")
	assert.Error(t, err)
}

func TestCSVRender(t *testing.T) {
	out, err := CSV{}.Render(roster())
	require.NoError(t, err)
	assert.Equal(t, "Username,Email,Subscribed\nana,ana@example.com,2024-03-01\n\"bo, jr\",bo@example.com,2024-03-02\n", string(out))
}

func TestPDFRender(t *testing.T) {
	out, err := PDF{}.Render(roster())
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF-")))
}

func TestRenderRejectsRaggedRows(t *testing.T) {
	table := roster()
	table.Rows = append(table.Rows, []string{"only-one"})
	_, err := CSV{}.Render(table)
	assert.Error(t, err)

	_, err = PDF{}.Render(Table{})
	assert.Error(t, err)
}
