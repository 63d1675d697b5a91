package storage

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/trellis-works/trellis/internal/scheme"
	"github.com/trellis-works/trellis/internal/value"
)

// encodeFieldValue converts a payload value into the SQL argument for
// the field's column, applying write-side transforms (password
// hashing, uuid parsing) on the way.
func encodeFieldValue(f *scheme.Field, v *value.Value) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	switch f.Type {
	case scheme.Integer, scheme.Object, scheme.File, scheme.Image:
		if v.Kind() != value.KindInt {
			return nil, fmt.Errorf("field %s expects an integer, got %s", f.Name, v.Kind())
		}
		return v.Int(), nil
	case scheme.Boolean:
		if v.Kind() != value.KindBool {
			return nil, fmt.Errorf("field %s expects a boolean, got %s", f.Name, v.Kind())
		}
		return v.Bool(), nil
	case scheme.Float:
		switch v.Kind() {
		case value.KindFloat, value.KindInt:
			return v.Float(), nil
		}
		return nil, fmt.Errorf("field %s expects a number, got %s", f.Name, v.Kind())
	case scheme.Text:
		if v.Kind() != value.KindString {
			return nil, fmt.Errorf("field %s expects a string, got %s", f.Name, v.Kind())
		}
		if f.Transform == scheme.TransformPassword {
			hash, err := bcrypt.GenerateFromPassword([]byte(v.String()), bcrypt.DefaultCost)
			if err != nil {
				return nil, fmt.Errorf("hash password for %s: %w", f.Name, err)
			}
			return string(hash), nil
		}
		return v.String(), nil
	case scheme.Bytes:
		switch v.Kind() {
		case value.KindBytes:
			return v.Bytes(), nil
		case value.KindString:
			if f.Transform == scheme.TransformUuid {
				id, err := uuid.Parse(v.String())
				if err != nil {
					return nil, fmt.Errorf("field %s: bad uuid: %w", f.Name, err)
				}
				return id[:], nil
			}
			return []byte(v.String()), nil
		}
		return nil, fmt.Errorf("field %s expects bytes, got %s", f.Name, v.Kind())
	case scheme.Data, scheme.Extra:
		b, err := v.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", f.Name, err)
		}
		return string(b), nil
	}
	return nil, fmt.Errorf("field %s (%s) has no column", f.Name, f.Type)
}

// columnFields returns the fields of sch that map to row columns, in
// declaration order.
func columnFields(sch *scheme.Scheme) []*scheme.Field {
	var out []*scheme.Field
	sch.Fields(func(f *scheme.Field) bool {
		if f.IsScalar() || f.Type == scheme.Object || f.IsContent() {
			out = append(out, f)
		}
		return true
	})
	return out
}

// selectColumns renders the column list for reading rows of sch:
// oid, every column field, and the delta columns when tracked.
func selectColumns(sch *scheme.Scheme) []string {
	cols := []string{"oid"}
	for _, f := range columnFields(sch) {
		cols = append(cols, columnName(f))
	}
	if sch.DeltaTracked {
		cols = append(cols, colDeltaAction, colDeltaTime)
	}
	return cols
}

// scanRow scans the current row of rows (selected with selectColumns)
// into an ordered dictionary. Relations stay integer placeholders; Set
// and View fields are represented by the parent oid, standing in for
// "fetch on resolve".
func scanRow(sch *scheme.Scheme, rows *sql.Rows) (*value.Value, error) {
	fields := columnFields(sch)

	dest := make([]any, 0, len(fields)+3)
	var oid int64
	dest = append(dest, &oid)

	holders := make([]any, len(fields))
	for i, f := range fields {
		switch f.Type {
		case scheme.Integer, scheme.Boolean, scheme.Object, scheme.File, scheme.Image:
			holders[i] = new(sql.NullInt64)
		case scheme.Float:
			holders[i] = new(sql.NullFloat64)
		case scheme.Text, scheme.Data, scheme.Extra:
			holders[i] = new(sql.NullString)
		case scheme.Bytes:
			holders[i] = new([]byte)
		}
		dest = append(dest, holders[i])
	}

	var deltaAction sql.NullString
	var deltaTime sql.NullInt64
	if sch.DeltaTracked {
		dest = append(dest, &deltaAction, &deltaTime)
	}

	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("scan row of %s: %w", sch.Name, err)
	}

	row := value.NewDict()
	row.Set(value.KeyOID, value.Int(oid))

	for i, f := range fields {
		v, err := decodeColumn(f, holders[i])
		if err != nil {
			return nil, err
		}
		if v != nil {
			row.Set(f.Name, v)
		}
	}

	// Collection stand-ins: the hydrator fetches these on resolve.
	sch.Fields(func(f *scheme.Field) bool {
		if f.Type == scheme.Set || f.Type == scheme.View {
			row.Set(f.Name, value.Int(oid))
		}
		return true
	})

	if sch.DeltaTracked && deltaAction.Valid {
		delta := value.NewDict()
		delta.Set("action", value.String(deltaAction.String))
		if deltaTime.Valid {
			delta.Set("time", value.Int(deltaTime.Int64))
		}
		row.Set(value.KeyDelta, delta)
	}
	return row, nil
}

func decodeColumn(f *scheme.Field, holder any) (*value.Value, error) {
	switch h := holder.(type) {
	case *sql.NullInt64:
		if !h.Valid {
			return nil, nil
		}
		if f.Type == scheme.Boolean {
			return value.Bool(h.Int64 != 0), nil
		}
		return value.Int(h.Int64), nil
	case *sql.NullFloat64:
		if !h.Valid {
			return nil, nil
		}
		return value.Float(h.Float64), nil
	case *sql.NullString:
		if !h.Valid {
			return nil, nil
		}
		if f.Type == scheme.Data || f.Type == scheme.Extra {
			v, err := value.ParseJSON([]byte(h.String))
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", f.Name, err)
			}
			return v, nil
		}
		return value.String(h.String), nil
	case *[]byte:
		if *h == nil {
			return nil, nil
		}
		return value.Bytes(*h), nil
	}
	return nil, fmt.Errorf("field %s: unsupported holder %T", f.Name, holder)
}

// collectRows drains rows into a list value.
func collectRows(sch *scheme.Scheme, rows *sql.Rows) (*value.Value, error) {
	out := value.List()
	for rows.Next() {
		row, err := scanRow(sch, rows)
		if err != nil {
			return nil, err
		}
		out.Append(row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows of %s: %w", sch.Name, err)
	}
	return out, nil
}
