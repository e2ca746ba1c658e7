// Package parser turns a telemetry.EnvelopeBatch into one or more
// InsertPlans ready for the database writer. It is a pure transform:
// no I/O, no mutation of its inputs.
package parser

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yhyj/datawizard/internal/telemetry"
)

// ErrUnsupportedFlow is returned for any flow other than "postgresql".
var ErrUnsupportedFlow = fmt.Errorf("parser: unsupported flow")

// ColumnConfig names the two fixed columns every InsertPlan carries.
type ColumnConfig struct {
	TimestampColumn string
	IDColumn        string
}

// LogForkConfig configures the optional secondary "message" stream.
type LogForkConfig struct {
	Enabled bool
	Schema  string
	Table   string
	// Columns is the allow-list, in priority/emission order.
	Columns []string
}

// Config bundles the storage-side configuration the parser consults.
type Config struct {
	Column  ColumnConfig
	LogFork LogForkConfig
}

// InsertPlan is sufficient to execute one parameterized batch insert.
type InsertPlan struct {
	Schema      string
	Table       string
	ColumnsName string
	Placeholder string
	Rows        [][]any
	ColumnTypes map[string]telemetry.FieldType
}

// NumColumns returns the column count implied by ColumnsName.
func (p InsertPlan) NumColumns() int {
	if p.ColumnsName == "" {
		return 0
	}
	return len(strings.Split(p.ColumnsName, ","))
}

// Parse implements the postgresql flow of spec §4.3: normalize, derive
// column names/placeholders from the first envelope, build one row per
// envelope, and optionally fork a secondary log plan.
func Parse(flow string, cfg Config, batch telemetry.EnvelopeBatch) ([]InsertPlan, error) {
	if !strings.EqualFold(flow, "postgresql") {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFlow, flow)
	}
	if len(batch) == 0 {
		return nil, telemetry.ErrInvalidShape
	}

	tsCol := orDefault(cfg.Column.TimestampColumn, "timestamp")
	idCol := orDefault(cfg.Column.IDColumn, "id")

	first := batch[0]
	names := first.Fields.Names()

	columns := make([]string, 0, 2+len(names))
	columns = append(columns, tsCol, idCol)
	columns = append(columns, names...)

	placeholders := make([]string, len(columns))
	for i := range placeholders {
		placeholders[i] = "%s"
	}

	columnTypes := make(map[string]telemetry.FieldType, len(names))
	for _, name := range names {
		field, _ := first.Fields.Get(name)
		columnTypes[name] = field.Type
	}

	rows := make([][]any, 0, len(batch))
	for _, env := range batch {
		row, err := buildRow(env, names)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}

	plans := []InsertPlan{{
		Schema:      first.Schema,
		Table:       first.Table,
		ColumnsName: strings.Join(columns, ","),
		Placeholder: strings.Join(placeholders, ","),
		Rows:        rows,
		ColumnTypes: columnTypes,
	}}

	if cfg.LogFork.Enabled {
		if forkPlan, ok, err := buildLogFork(cfg.LogFork, tsCol, idCol, batch); err != nil {
			return nil, err
		} else if ok {
			plans = append(plans, forkPlan)
		}
	}

	return plans, nil
}

func buildRow(env telemetry.Envelope, names []string) ([]any, error) {
	row := make([]any, 0, 2+len(names))
	row = append(row, env.Timestamp, env.DeviceID)
	for _, name := range names {
		field, ok := env.Fields.Get(name)
		if !ok {
			row = append(row, nil)
			continue
		}
		v, err := scalarValue(field)
		if err != nil {
			return nil, fmt.Errorf("parser: field %q: %w", name, err)
		}
		row = append(row, v)
	}
	return row, nil
}

// scalarValue returns the value to place in a row cell; json-typed
// values are serialized to a string per spec §3.
func scalarValue(field telemetry.Field) (any, error) {
	if field.Type == telemetry.FieldJSON {
		b, err := json.Marshal(field.Value)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
	return field.Value, nil
}

// buildLogFork emits a secondary plan targeting (log_schema, log_table)
// when at least one envelope element carries a "message" field. Columns
// are the allow-list entries present on the first qualifying element,
// in allow-list order; every qualifying element contributes one row.
func buildLogFork(cfg LogForkConfig, tsCol, idCol string, batch telemetry.EnvelopeBatch) (InsertPlan, bool, error) {
	firstIdx := -1
	for i, env := range batch {
		if env.Fields.Has("message") {
			firstIdx = i
			break
		}
	}
	if firstIdx == -1 {
		return InsertPlan{}, false, nil
	}

	header := batch[firstIdx]
	present := make([]string, 0, len(cfg.Columns))
	columnTypes := make(map[string]telemetry.FieldType, len(cfg.Columns))
	for _, name := range cfg.Columns {
		if field, ok := header.Fields.Get(name); ok {
			present = append(present, name)
			columnTypes[name] = field.Type
		}
	}

	columns := make([]string, 0, 2+len(present))
	columns = append(columns, tsCol, idCol)
	columns = append(columns, present...)

	placeholders := make([]string, len(columns))
	for i := range placeholders {
		placeholders[i] = "%s"
	}

	rows := make([][]any, 0)
	for _, env := range batch {
		if !env.Fields.Has("message") {
			continue
		}
		row := make([]any, 0, 2+len(present))
		row = append(row, env.Timestamp, env.DeviceID)
		for _, name := range present {
			field, ok := env.Fields.Get(name)
			if !ok {
				row = append(row, nil)
				continue
			}
			v, err := scalarValue(field)
			if err != nil {
				return InsertPlan{}, false, fmt.Errorf("parser: log column %q: %w", name, err)
			}
			row = append(row, v)
		}
		rows = append(rows, row)
	}

	return InsertPlan{
		Schema:      cfg.Schema,
		Table:       cfg.Table,
		ColumnsName: strings.Join(columns, ","),
		Placeholder: strings.Join(placeholders, ","),
		Rows:        rows,
		ColumnTypes: columnTypes,
	}, true, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
