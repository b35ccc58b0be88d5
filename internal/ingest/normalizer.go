package ingest

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Normalize parses the first worksheet of an xlsx workbook into records in
// row order. The first non-empty row is the header. A header missing any
// required column fails the whole file with *SchemaError; per-row problems
// are absorbed by defaulting and never fail.
func Normalize(data []byte) ([]NormalizedRecord, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, &SchemaError{Missing: allRequired()}
	}

	rows, err := f.Rows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("%w: sheet %q: %v", ErrUnreadable, sheets[0], err)
	}
	defer rows.Close()

	var (
		mapping columnMapping
		records []NormalizedRecord
		rowNum  int
	)
	for rows.Next() {
		rowNum++
		cols, err := rows.Columns(excelize.Options{RawCellValue: true})
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrUnreadable, rowNum, err)
		}
		if isBlankRow(cols) {
			continue
		}

		if mapping == nil {
			m, missing := mapColumns(cols)
			if len(missing) > 0 {
				return nil, &SchemaError{Missing: missing}
			}
			mapping = m
			continue
		}

		records = append(records, normalizeRow(cols, mapping, rowNum))
	}
	if err := rows.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}

	if mapping == nil {
		return nil, &SchemaError{Missing: allRequired()}
	}
	return records, nil
}

func normalizeRow(row []string, m columnMapping, rowNum int) NormalizedRecord {
	return NormalizedRecord{
		FanName:     normalizeIdentifier(m.cell(row, FieldFanName)),
		ChatterName: normalizeIdentifier(m.cell(row, FieldChatterName)),
		CreatorName: normalizeIdentifier(m.cell(row, FieldCreatorName)),
		SentTime:    parseSentTime(m.cell(row, FieldSentTime)),
		MessageType: parseMessageType(m.cell(row, FieldMessageType)),
		Content:     strings.TrimSpace(m.cell(row, FieldContent)),
		Price:       parsePrice(m.cell(row, FieldPrice)),
		Purchased:   parseBool(m.cell(row, FieldPurchased)),
		Row:         rowNum,
	}
}

func isBlankRow(cols []string) bool {
	for _, c := range cols {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func allRequired() []string {
	out := make([]string, len(RequiredFields))
	for i, f := range RequiredFields {
		out[i] = string(f)
	}
	return out
}
