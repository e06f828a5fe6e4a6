package export

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func attendanceDataset() Dataset {
	return Dataset{
		Headers: []string{"student_id", "session_date", "status"},
		Rows: []map[string]string{
			{"student_id": "s1", "session_date": "2024-05-01", "status": "present"},
			{"student_id": "s2", "session_date": "2024-05-01", "status": "late"},
		},
	}
}

func TestRawCSVDoesNotQuote(t *testing.T) {
	out, err := NewRawCSVExporter().Render(attendanceDataset())
	require.NoError(t, err)
	assert.Equal(t, "student_id,session_date,status\ns1,2024-05-01,present\ns2,2024-05-01,late", string(out))

	data := Dataset{Headers: []string{"a"}, Rows: []map[string]string{{"a": "x,y"}}}
	raw, err := NewRawCSVExporter().Render(data)
	require.NoError(t, err)
	assert.Equal(t, "a\nx,y", string(raw))

	quoted, err := NewCSVExporter().Render(data)
	require.NoError(t, err)
	assert.Equal(t, "a\n\"x,y\"\n", string(quoted))
}

func TestExportersRequireHeaders(t *testing.T) {
	_, err := NewCSVExporter().Render(Dataset{})
	assert.Error(t, err)
	_, err = NewPDFExporter().Render(Dataset{}, "x")
	assert.Error(t, err)
}

func TestPDFExporterRenders(t *testing.T) {
	out, err := NewPDFExporter().Render(attendanceDataset(), "Attendance CS201")
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF")))
}
