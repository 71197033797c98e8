package stream

import (
	"fmt"
	"io"
)

// WritePart serializes one part in its chunked wire form. ChunkBody parts
// must each carry a whole chunk's data (as produced by cache and signing
// readers); the chunk terminator is appended here.
func WritePart(w io.Writer, p Part) error {
	switch v := p.(type) {
	case Head:
		if _, err := fmt.Fprintf(w, "%s\r\n", v.StatusLine()); err != nil {
			return err
		}
		return writeFields(w, v.Fields)

	case ChunkHdr:
		_, err := fmt.Fprintf(w, "%x%s\r\n", v.Size, v.Exts)
		return err

	case ChunkBody:
		if _, err := w.Write(v); err != nil {
			return err
		}
		_, err := io.WriteString(w, "\r\n")
		return err

	case Body:
		_, err := w.Write(v)
		return err

	case Trailer:
		return writeFields(w, v.Fields)

	default:
		return fmt.Errorf("stream: unknown part %T", p)
	}
}

func writeFields(w io.Writer, fields Fields) error {
	for _, f := range fields {
		if _, err := fmt.Fprintf(w, "%s: %s\r\n", f.Name, f.Value); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// Flush copies a whole response from a part reader to w.
func Flush(w io.Writer, r PartReader) error {
	for {
		p, err := r.ReadPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := WritePart(w, p); err != nil {
			return err
		}
	}
}
