package journal

// ============================================================================
// Journal XML wire format: encode path
// One XMLWriter per open journal file. Header, entries and trailer must go
// through the same writer because the encoder tracks the open element stack.
// ============================================================================

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/fcrepo3/fcrepo-sub017/pkg/types"
)

// Element and attribute names of the journal file format.
const (
	elemFile      = "JournalFile"
	elemEntry     = "JournalEntry"
	elemContext   = "context"
	elemAttribute = "attribute"
	elemArgument  = "argument"
	elemElement   = "element"

	attrRepositoryHash = "repositoryHash"
	attrTimestamp      = "timestamp"
	attrMethod         = "method"
	attrName           = "name"
	attrType           = "type"
)

// base64 lines carry 57 input bytes, 76 encoded characters plus a newline.
const base64LineBytes = 57

// EncodedFileSize returns the number of characters a file of n bytes occupies
// once base64 encoded in a journal file.
func EncodedFileSize(n int64) int64 {
	if n <= 0 {
		return 0
	}
	return 4*((n+2)/3) + (n+base64LineBytes-1)/base64LineBytes
}

type flusher interface {
	Flush() error
}

// XMLWriter formats journal documents onto a byte stream.
type XMLWriter struct {
	w   io.Writer
	enc *xml.Encoder
}

// NewXMLWriter returns an indenting writer over w. If w has a Flush() error
// method it is called by Flush.
func NewXMLWriter(w io.Writer) *XMLWriter {
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	return &XMLWriter{w: w, enc: enc}
}

// WriteHeader writes the XML declaration and opens the document element.
func (x *XMLWriter) WriteHeader(repositoryHash string, ts time.Time) error {
	decl := xml.ProcInst{Target: "xml", Inst: []byte(`version="1.0" encoding="UTF-8"`)}
	if err := x.enc.EncodeToken(decl); err != nil {
		return err
	}
	if err := x.enc.Flush(); err != nil {
		return err
	}
	if _, err := io.WriteString(x.w, "\n"); err != nil {
		return err
	}

	var attrs []xml.Attr
	if repositoryHash != "" {
		attrs = append(attrs, attr(attrRepositoryHash, repositoryHash))
	}
	attrs = append(attrs, attr(attrTimestamp, ts.UTC().Format(TimestampLayout)))

	if err := x.enc.EncodeToken(start(elemFile, attrs...)); err != nil {
		return err
	}
	return x.Flush()
}

// WriteTrailer closes the document element.
func (x *XMLWriter) WriteTrailer() error {
	if err := x.enc.EncodeToken(end(elemFile)); err != nil {
		return err
	}
	if err := x.enc.Flush(); err != nil {
		return err
	}
	if _, err := io.WriteString(x.w, "\n"); err != nil {
		return err
	}
	return x.Flush()
}

// WriteEntry encodes one journal entry. File arguments are streamed from disk.
func (x *XMLWriter) WriteEntry(e *types.Entry) error {
	err := x.enc.EncodeToken(start(elemEntry,
		attr(attrMethod, e.Method),
		attr(attrTimestamp, e.Timestamp.UTC().Format(time.RFC3339Nano)),
	))
	if err != nil {
		return err
	}

	if err := x.writeContext(e.Context); err != nil {
		return err
	}

	for _, a := range e.Arguments {
		if err := x.writeArgument(a); err != nil {
			return fmt.Errorf("journal: argument %q of %s: %w", a.Name, e.Method, err)
		}
	}

	return x.enc.EncodeToken(end(elemEntry))
}

// Flush pushes buffered output to the underlying stream.
func (x *XMLWriter) Flush() error {
	if err := x.enc.Flush(); err != nil {
		return err
	}
	if f, ok := x.w.(flusher); ok {
		return f.Flush()
	}
	return nil
}

func (x *XMLWriter) writeContext(ctx map[string]string) error {
	if err := x.enc.EncodeToken(start(elemContext)); err != nil {
		return err
	}

	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := x.leaf(elemAttribute, ctx[k], attr(attrName, k)); err != nil {
			return err
		}
	}
	return x.enc.EncodeToken(end(elemContext))
}

func (x *XMLWriter) writeArgument(a types.Argument) error {
	typ := a.Type
	if a.Value == nil {
		typ = types.ArgNull
	}
	attrs := []xml.Attr{attr(attrName, a.Name), attr(attrType, string(typ))}

	switch typ {
	case types.ArgString:
		v, ok := a.Value.(string)
		if !ok {
			return badValue(a)
		}
		return x.leaf(elemArgument, v, attrs...)

	case types.ArgInt:
		v, ok := a.Value.(int64)
		if !ok {
			return badValue(a)
		}
		return x.leaf(elemArgument, strconv.FormatInt(v, 10), attrs...)

	case types.ArgBool:
		v, ok := a.Value.(bool)
		if !ok {
			return badValue(a)
		}
		return x.leaf(elemArgument, strconv.FormatBool(v), attrs...)

	case types.ArgDate:
		v, ok := a.Value.(time.Time)
		if !ok {
			return badValue(a)
		}
		return x.leaf(elemArgument, v.UTC().Format(time.RFC3339Nano), attrs...)

	case types.ArgStrings:
		v, ok := a.Value.([]string)
		if !ok {
			return badValue(a)
		}
		if err := x.enc.EncodeToken(start(elemArgument, attrs...)); err != nil {
			return err
		}
		for _, s := range v {
			if err := x.leaf(elemElement, s); err != nil {
				return err
			}
		}
		return x.enc.EncodeToken(end(elemArgument))

	case types.ArgBytes:
		v, ok := a.Value.([]byte)
		if !ok {
			return badValue(a)
		}
		return x.base64Argument(attrs, func(w io.Writer) error {
			_, err := w.Write(v)
			return err
		})

	case types.ArgFile:
		v, ok := a.Value.(types.File)
		if !ok {
			return badValue(a)
		}
		return x.base64Argument(attrs, func(w io.Writer) error {
			f, err := os.Open(v.Path)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(w, f)
			return err
		})

	case types.ArgNull:
		if err := x.enc.EncodeToken(start(elemArgument, attrs...)); err != nil {
			return err
		}
		return x.enc.EncodeToken(end(elemArgument))
	}

	return fmt.Errorf("unknown argument type %q", a.Type)
}

func (x *XMLWriter) base64Argument(attrs []xml.Attr, fill func(io.Writer) error) error {
	if err := x.enc.EncodeToken(start(elemArgument, attrs...)); err != nil {
		return err
	}
	lw := &base64LineWriter{enc: x.enc}
	if err := fill(lw); err != nil {
		return err
	}
	if err := lw.close(); err != nil {
		return err
	}
	return x.enc.EncodeToken(end(elemArgument))
}

func (x *XMLWriter) leaf(name, text string, attrs ...xml.Attr) error {
	if err := x.enc.EncodeToken(start(name, attrs...)); err != nil {
		return err
	}
	if text != "" {
		if err := x.enc.EncodeToken(xml.CharData(text)); err != nil {
			return err
		}
	}
	return x.enc.EncodeToken(end(name))
}

// base64LineWriter encodes whatever is written to it as newline-terminated
// base64 lines of base64LineBytes input bytes each.
type base64LineWriter struct {
	enc     *xml.Encoder
	pending []byte
	line    [base64LineBytes/3*4 + 1]byte
}

func (w *base64LineWriter) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		take := base64LineBytes - len(w.pending)
		if take > len(p) {
			take = len(p)
		}
		w.pending = append(w.pending, p[:take]...)
		p = p[take:]
		if len(w.pending) == base64LineBytes {
			if err := w.emit(); err != nil {
				return 0, err
			}
		}
	}
	return n, nil
}

func (w *base64LineWriter) emit() error {
	size := base64.StdEncoding.EncodedLen(len(w.pending))
	base64.StdEncoding.Encode(w.line[:size], w.pending)
	w.line[size] = '\n'
	w.pending = w.pending[:0]
	return w.enc.EncodeToken(xml.CharData(w.line[:size+1]))
}

func (w *base64LineWriter) close() error {
	if len(w.pending) == 0 {
		return nil
	}
	return w.emit()
}

func badValue(a types.Argument) error {
	return fmt.Errorf("value of type %T does not match argument type %s", a.Value, a.Type)
}

func attr(name, value string) xml.Attr {
	return xml.Attr{Name: xml.Name{Local: name}, Value: value}
}

func start(name string, attrs ...xml.Attr) xml.StartElement {
	return xml.StartElement{Name: xml.Name{Local: name}, Attr: attrs}
}

func end(name string) xml.EndElement {
	return xml.EndElement{Name: xml.Name{Local: name}}
}
