// Command lyricaldump prints a lyricalc debug/export/import section as a
// table, for inspecting a compiled image without a hex editor.
package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/olekukonko/tablewriter"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <image>.exports|.imports|.debug\n", os.Args[0])
		os.Exit(1)
	}
	path := os.Args[1]
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "lyricaldump:", err)
		os.Exit(1)
	}

	var dumpErr error
	switch ext := filepath.Ext(path); ext {
	case ".exports":
		dumpErr = dumpSignatureTable(os.Stdout, "offset", data)
	case ".imports":
		dumpErr = dumpSignatureTable(os.Stdout, "string-region offset", data)
	case ".debug":
		dumpErr = dumpDebugSection(os.Stdout, data)
	default:
		dumpErr = fmt.Errorf("unrecognized section extension %q (want .exports, .imports, or .debug)", ext)
	}
	if dumpErr != nil {
		fmt.Fprintln(os.Stderr, "lyricaldump:", dumpErr)
		os.Exit(1)
	}
}

// dumpSignatureTable decodes the {linking-signature NUL, u32}* stream
// BuildExportSection/BuildImportSection produce (spec.md §4.H).
func dumpSignatureTable(w io.Writer, offsetLabel string, data []byte) error {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"linking signature", offsetLabel})

	for len(data) > 0 {
		nul := bytes.IndexByte(data, 0)
		if nul < 0 {
			return fmt.Errorf("truncated record: missing NUL after %q", data)
		}
		sig := string(data[:nul])
		data = data[nul+1:]
		if len(data) < 4 {
			return fmt.Errorf("truncated record: missing u32 offset for %q", sig)
		}
		off := binary.LittleEndian.Uint32(data[:4])
		data = data[4:]
		table.Append([]string{sig, fmt.Sprintf("0x%x", off)})
	}
	table.Render()
	return nil
}

// dumpDebugSection decodes the two-part stream BuildDebugSection produces:
// a u32-length-prefixed array of {binoffset,filepathoff,linenum,lineoff}
// quadruples, then a u32-length-prefixed NUL-terminated string table
// (spec.md §4.H).
func dumpDebugSection(w io.Writer, data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("truncated debug section")
	}
	sec1Len := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]
	if uint32(len(data)) < sec1Len {
		return fmt.Errorf("truncated debug section: entry table")
	}
	entries := data[:sec1Len]
	data = data[sec1Len:]

	if len(data) < 4 {
		return fmt.Errorf("truncated debug section: string table length")
	}
	strtabLen := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]
	if uint32(len(data)) < strtabLen {
		return fmt.Errorf("truncated debug section: string table")
	}
	strtab := data[:strtabLen]

	fileAt := func(off uint32) string {
		if int(off) >= len(strtab) {
			return "?"
		}
		rest := strtab[off:]
		if nul := bytes.IndexByte(rest, 0); nul >= 0 {
			return string(rest[:nul])
		}
		return string(rest)
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"bin offset", "file", "line", "line offset"})
	for i := 0; i+16 <= len(entries); i += 16 {
		binOff := binary.LittleEndian.Uint32(entries[i:])
		fileOff := binary.LittleEndian.Uint32(entries[i+4:])
		lineNum := binary.LittleEndian.Uint32(entries[i+8:])
		lineOff := binary.LittleEndian.Uint32(entries[i+12:])
		if lineNum == 0 && i == len(entries)-16 {
			break // sentinel entry
		}
		table.Append([]string{
			fmt.Sprintf("0x%x", binOff),
			fileAt(fileOff),
			fmt.Sprintf("%d", lineNum),
			fmt.Sprintf("%d", lineOff),
		})
	}
	table.Render()
	return nil
}
