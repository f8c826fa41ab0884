package journal

import (
	"bytes"
	"fmt"
	"os"

	"github.com/fcrepo3/fcrepo-sub017/pkg/types"
)

// EstimateSize predicts how many bytes writing e will add to a journal file.
//
// A shallow copy of the entry is formatted through the real XMLWriter into
// memory. File arguments are replaced by null placeholders in the copy and
// their encoded size is computed from the file length instead, so file
// contents are never held in memory.
func EstimateSize(e *types.Entry) (int64, error) {
	c := e.ShallowCopy()

	var files int64
	for i, a := range c.Arguments {
		if a.Type != types.ArgFile || a.Value == nil {
			continue
		}
		f, ok := a.Value.(types.File)
		if !ok {
			return 0, fmt.Errorf("journal: argument %q: %T is not a file", a.Name, a.Value)
		}
		info, err := os.Stat(f.Path)
		if err != nil {
			return 0, fmt.Errorf("journal: argument %q: %w", a.Name, err)
		}
		files += EncodedFileSize(info.Size())
		c.Arguments[i] = types.Null(a.Name)
	}

	var buf bytes.Buffer
	w := NewXMLWriter(&buf)
	if err := w.WriteEntry(c); err != nil {
		return 0, err
	}
	if err := w.Flush(); err != nil {
		return 0, err
	}
	return int64(buf.Len()) + files, nil
}
