package pgsql

import (
	"errors"
	"testing"

	"github.com/leapstack-labs/proclineage/pkg/catalog"
	"github.com/leapstack-labs/proclineage/pkg/core"
	"github.com/leapstack-labs/proclineage/pkg/cte"
	"github.com/leapstack-labs/proclineage/pkg/segment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const loadPrices = `CREATE OR REPLACE PROCEDURE etl.load_prices(p_day date, OUT n integer)
LANGUAGE plpgsql
AS $$
DECLARE
  v_count int;
BEGIN
  CREATE TEMP TABLE tmp AS SELECT id, SUM(amt) AS total FROM orders GROUP BY id;
  INSERT INTO out(id, total) SELECT id, total FROM tmp;
  RAISE NOTICE 'done';
EXCEPTION WHEN others THEN
  RAISE;
END;
$$;`

func TestProcedure(t *testing.T) {
	proc, err := New().Procedure(loadPrices)
	require.NoError(t, err)
	require.NotNil(t, proc)

	assert.Equal(t, "etl.load_prices", proc.Name)
	assert.Equal(t, "plpgsql", proc.Language)
	assert.Equal(t, []segment.Param{
		{Name: "p_day", Type: "DATE", Mode: "IN"},
		{Name: "n", Type: "INTEGER", Mode: "OUT"},
	}, proc.Params)
	assert.Contains(t, proc.Body, "CREATE TEMP TABLE tmp")
}

func TestProcedure_PlainScript(t *testing.T) {
	proc, err := New().Procedure("SELECT a.x AS y FROM t a")
	require.NoError(t, err)
	assert.Nil(t, proc)
}

func TestSplit_StripsBlock(t *testing.T) {
	p := New()
	proc, err := p.Procedure(loadPrices)
	require.NoError(t, err)

	stmts, err := p.Split(proc.Body)
	require.NoError(t, err)
	require.Len(t, stmts, 3)
	assert.Contains(t, stmts[0], "CREATE TEMP TABLE tmp")
	assert.Contains(t, stmts[1], "INSERT INTO out")
	assert.Contains(t, stmts[2], "RAISE NOTICE")
}

func TestSplit_KeepsEveryStatement(t *testing.T) {
	stmts, err := New().Split("INSERT INTO a SELECT 1;\n GET DIAGNOSTICS n = ROW_COUNT;\n RETURN n;")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"INSERT INTO a SELECT 1",
		"GET DIAGNOSTICS n = ROW_COUNT",
		"RETURN n",
	}, stmts)
}

func TestSplit_ControlFlow(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{
			name: "if block",
			body: "BEGIN\n IF x > 0 THEN\n INSERT INTO a SELECT 1;\n END IF;\n INSERT INTO b SELECT 2;\nEND;",
			want: []string{"INSERT INTO a SELECT 1", "INSERT INTO b SELECT 2"},
		},
		{
			name: "loops and branches",
			body: `BEGIN
  <<outer>>
  FOR r IN SELECT id FROM src LOOP
    IF r.id > 0 THEN
      INSERT INTO a SELECT 1;
    ELSIF r.id < 0 THEN
      INSERT INTO b SELECT 2;
    ELSE
      UPDATE c SET x = CASE WHEN r.id = 0 THEN 1 ELSE 2 END;
    END IF;
  END LOOP outer;
  WHILE done IS NOT TRUE LOOP
    DELETE FROM d;
  END LOOP;
  GET DIAGNOSTICS n = ROW_COUNT;
  RETURN n;
END;`,
			want: []string{
				"INSERT INTO a SELECT 1",
				"INSERT INTO b SELECT 2",
				"UPDATE c SET x = CASE WHEN r.id = 0 THEN 1 ELSE 2 END",
				"DELETE FROM d",
				"GET DIAGNOSTICS n = ROW_COUNT",
				"RETURN n",
			},
		},
		{
			name: "case statement and nested block",
			body: `BEGIN
  CASE mode
    WHEN 'full' THEN
      TRUNCATE t;
    ELSE
      DELETE FROM t WHERE stale;
  END CASE;
  BEGIN
    INSERT INTO t SELECT * FROM s;
  EXCEPTION WHEN unique_violation THEN
    NULL;
  END;
END;`,
			want: []string{
				"TRUNCATE t",
				"DELETE FROM t WHERE stale",
				"INSERT INTO t SELECT * FROM s",
				"NULL",
			},
		},
		{
			name: "if condition with a case expression",
			body: "BEGIN IF CASE WHEN a THEN b END THEN INSERT INTO a SELECT 1; END IF; END",
			want: []string{"INSERT INTO a SELECT 1"},
		},
		{
			name: "comments and dollar quotes",
			body: "-- header; not a statement\nSELECT ';' AS s; /* ; */ EXECUTE $q$ SELECT 1; $q$;",
			want: []string{"SELECT ';' AS s", "EXECUTE $q$ SELECT 1; $q$"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stmts, err := New().Split(tt.body)
			require.NoError(t, err)
			assert.Equal(t, tt.want, stmts)
		})
	}
}

func TestStripBlock(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		want  string
		block bool
	}{
		{"plain script", "SELECT 1; SELECT 2;", "SELECT 1; SELECT 2;", false},
		{"begin end", "BEGIN SELECT 1; END;", " SELECT 1; ", true},
		{"nested if", "BEGIN IF x THEN SELECT 1; END IF; SELECT 2; END", " IF x THEN SELECT 1; END IF; SELECT 2; ", true},
		{"labelled end", "DECLARE a int; BEGIN SELECT 1; END main;", " SELECT 1; ", true},
		{"exception section", "BEGIN SELECT 1; EXCEPTION WHEN others THEN NULL; END;", " SELECT 1; ", true},
		{"exception after end case", "BEGIN CASE m WHEN 1 THEN SELECT 1; END CASE; EXCEPTION WHEN others THEN NULL; END;", " CASE m WHEN 1 THEN SELECT 1; END CASE; ", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, block := stripBlock(tt.body)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.block, block)
		})
	}
}

func TestParse_Procedural(t *testing.T) {
	p := New()
	for _, sql := range []string{
		"RAISE NOTICE 'x %', v",
		"v_total := v_total + 1",
		"rec.total = 5",
		"GET DIAGNOSTICS n = ROW_COUNT",
	} {
		_, err := p.Parse(sql)
		require.Error(t, err, sql)
		assert.True(t, errors.Is(err, segment.ErrUnsupported), sql)
	}

	_, err := p.Parse("SELEC 1 FRM t")
	require.Error(t, err)
	assert.False(t, errors.Is(err, segment.ErrUnsupported))
}

func TestParse_Kinds(t *testing.T) {
	tests := []struct {
		sql  string
		want segment.Kind
	}{
		{"CREATE TEMP TABLE tmp AS SELECT 1 AS a", segment.CreateTempTable{Table: "tmp", FromQuery: true}},
		{"SELECT a INTO TEMP tmp FROM t", segment.CreateTempTable{Table: "tmp", FromQuery: true}},
		{"CREATE TEMP TABLE tmp (a int, b text)", segment.CreateTempTable{Table: "tmp", Columns: []string{"a", "b"}}},
		{"CREATE TABLE sales.daily AS SELECT 1 AS a", segment.CreateTable{Table: "sales.daily"}},
		{"INSERT INTO out (id, total) SELECT 1, 2", segment.Insert{Table: "out", Columns: []string{"id", "total"}}},
		{"UPDATE t SET a = 1, b = 2", segment.Update{Table: "t", Columns: []string{"a", "b"}}},
		{"DELETE FROM t WHERE a = 1", segment.Delete{Table: "t"}},
		{"MERGE INTO t USING s ON t.id = s.id WHEN MATCHED THEN UPDATE SET a = s.a", segment.Merge{Table: "t", Source: "s"}},
		{"TRUNCATE tmp, pg_temp.other", segment.Truncate{Tables: []string{"tmp", "other"}}},
		{"DROP TABLE IF EXISTS tmp", segment.Drop{Tables: []string{"tmp"}}},
		{"SELECT a FROM t", segment.Select{}},
		{"SELECT a INTO v_a FROM t", segment.Select{}},
		{"CREATE INDEX ix ON t (a)", segment.Unknown{Reason: "unsupported statement IndexStmt"}},
	}
	p := New()
	for _, tt := range tests {
		t.Run(tt.sql, func(t *testing.T) {
			stmt, err := p.Parse(tt.sql)
			require.NoError(t, err)
			assert.Equal(t, tt.want, stmt.Kind())
		})
	}
}

func TestParse_Fingerprint(t *testing.T) {
	p := New()
	a, err := p.Parse("SELECT a FROM t WHERE b = 1")
	require.NoError(t, err)
	b, err := p.Parse("SELECT a FROM t WHERE b = 2")
	require.NoError(t, err)
	c, err := p.Parse("SELECT a FROM u WHERE b = 1")
	require.NoError(t, err)

	assert.NotEmpty(t, a.Fingerprint())
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func analyze(t *testing.T, sql string, cat segment.Catalog) *segment.Analysis {
	t.Helper()
	stmt, err := New().Parse(sql)
	require.NoError(t, err)
	an, err := stmt.Analyze(cat)
	require.NoError(t, err)
	return an
}

func outputs(an *segment.Analysis) map[string]string {
	out := make(map[string]string, len(an.Outputs))
	for _, o := range an.Outputs {
		out[o.Column] = o.Expr.Text
	}
	return out
}

func definition(t *testing.T, an *segment.Analysis, name string) *cte.Definition {
	t.Helper()
	for _, d := range an.CTEs {
		if d.Name == name {
			return d
		}
	}
	require.Failf(t, "definition not found", "%s", name)
	return nil
}

func TestAnalyze_AliasedColumn(t *testing.T) {
	an := analyze(t, "SELECT a.x AS y FROM t a", nil)

	require.Len(t, an.Outputs, 1)
	assert.Equal(t, "y", an.Outputs[0].Column)
	assert.Equal(t, "a.x", an.Outputs[0].Expr.Text)

	b, ok := an.Scope.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, "t", b.Relation)
	assert.Equal(t, []string{"t"}, an.Sources)
	assert.Empty(t, an.Diagnostics)
}

func TestAnalyze_QualifiesFromCatalog(t *testing.T) {
	cat := catalog.NewStatic("public")
	cat.Add("orders", "id", "customer_id", "amt")
	cat.Add("customers", "id", "name")

	an := analyze(t, "SELECT name, amt * 2 AS doubled FROM orders o JOIN customers c ON c.id = o.customer_id", cat)
	assert.Equal(t, map[string]string{
		"name":    "c.name",
		"doubled": "o.amt * 2",
	}, outputs(an))
	assert.Empty(t, an.Diagnostics)
}

func TestAnalyze_SingleRelationInference(t *testing.T) {
	an := analyze(t, "SELECT id, SUM(amt) AS total FROM orders GROUP BY id", nil)
	assert.Equal(t, map[string]string{
		"id":    "orders.id",
		"total": "SUM(orders.amt)",
	}, outputs(an))
}

func TestAnalyze_AmbiguousColumn(t *testing.T) {
	cat := catalog.NewStatic("")
	cat.Add("a", "id")
	cat.Add("b", "id")

	an := analyze(t, "SELECT id FROM a, b", cat)
	assert.True(t, an.Diagnostics.Has(core.CodeAmbiguousColumn))
}

func TestAnalyze_StarExpansion(t *testing.T) {
	cat := catalog.NewStatic("")
	cat.Add("t", "a", "b")

	an := analyze(t, "SELECT * FROM t x", cat)
	assert.Equal(t, map[string]string{"a": "x.a", "b": "x.b"}, outputs(an))

	an = analyze(t, "SELECT * FROM unknown_rel", cat)
	assert.Empty(t, an.Outputs)
	assert.True(t, an.Diagnostics.Has(core.CodeUnknownColumn))
}

func TestAnalyze_UnnestsCorrelatedScalar(t *testing.T) {
	an := analyze(t, `SELECT COALESCE(
		(SELECT AVG(ph.new_price) FROM raw_price_history ph WHERE ph.product_id = p.id),
		p.base_price) AS price
	FROM raw_products p`, nil)

	assert.Equal(t, map[string]string{"price": "COALESCE(_u_0._col_0, p.base_price)"}, outputs(an))

	def := definition(t, an, "_u_0")
	assert.True(t, def.Synthetic)
	require.Len(t, def.Columns, 2)
	assert.Equal(t, "_col_0", def.Columns[0].Name)
	assert.Equal(t, "AVG(ph.new_price)", def.Columns[0].Expr.Text)
	assert.Equal(t, "_u_1", def.Columns[1].Name)
	assert.Equal(t, "ph.product_id", def.Columns[1].Expr.Text)

	require.Len(t, def.Correlations, 1)
	assert.Equal(t, "_u_1", def.Correlations[0].Key)
	assert.Equal(t, "raw_products.id", def.Correlations[0].Outer.Text)

	b, ok := def.Scope.Lookup("ph")
	require.True(t, ok)
	assert.Equal(t, "raw_price_history", b.Relation)
	assert.Equal(t, []string{"raw_products", "raw_price_history"}, an.Sources)
}

func TestAnalyze_UnnestsExists(t *testing.T) {
	an := analyze(t, `SELECT o.id, EXISTS (SELECT 1 FROM refunds r WHERE r.order_id = o.id) AS refunded FROM orders o`, nil)
	assert.Equal(t, "_u_0._u_1 IS NOT NULL", outputs(an)["refunded"])
	def := definition(t, an, "_u_0")
	require.Len(t, def.Correlations, 1)
	assert.Equal(t, "orders.id", def.Correlations[0].Outer.Text)
}

func TestAnalyze_UncorrelatedExistsStaysInline(t *testing.T) {
	an := analyze(t, `SELECT EXISTS (SELECT 1 FROM refunds) AS any_refund FROM orders o`, nil)
	assert.Equal(t, "EXISTS (SELECT 1 FROM refunds)", outputs(an)["any_refund"])
	for _, d := range an.CTEs {
		assert.False(t, d.Synthetic)
	}
}

func TestAnalyze_DerivedTable(t *testing.T) {
	an := analyze(t, `SELECT s.total FROM (SELECT o.id, SUM(o.amt) AS total FROM orders o GROUP BY o.id) s`, nil)
	assert.Equal(t, map[string]string{"total": "s.total"}, outputs(an))

	def := definition(t, an, "s")
	col, ok := def.Column("total")
	require.True(t, ok)
	assert.Equal(t, "SUM(o.amt)", col.Expr.Text)

	b, ok := an.Scope.Lookup("s")
	require.True(t, ok)
	assert.Equal(t, "s", b.Relation)
}

func TestAnalyze_WithClause(t *testing.T) {
	an := analyze(t, `WITH totals AS (SELECT o.id, SUM(o.amt) AS total FROM orders o GROUP BY o.id)
		SELECT t.total FROM totals t`, nil)
	assert.Equal(t, map[string]string{"total": "t.total"}, outputs(an))

	def := definition(t, an, "totals")
	col, ok := def.Column("total")
	require.True(t, ok)
	assert.Equal(t, "SUM(o.amt)", col.Expr.Text)
	assert.NotEmpty(t, def.SQL)
}

func TestAnalyze_SetOperation(t *testing.T) {
	an := analyze(t, `SELECT a.x FROM a UNION ALL SELECT b.y FROM b`, nil)
	assert.Equal(t, map[string]string{"x": "_s.x UNION ALL _s_2.y"}, outputs(an))
	assert.Len(t, an.CTEs, 2)
}

func TestAnalyze_Insert(t *testing.T) {
	an := analyze(t, "INSERT INTO out (id, total) SELECT id, total FROM tmp", nil)
	assert.Equal(t, map[string]string{"id": "tmp.id", "total": "tmp.total"}, outputs(an))

	cat := catalog.NewStatic("")
	cat.Add("out", "id", "total")
	an = analyze(t, "INSERT INTO out SELECT t.a, t.b FROM t", cat)
	assert.Equal(t, map[string]string{"id": "t.a", "total": "t.b"}, outputs(an))
}

func TestAnalyze_UpdateFrom(t *testing.T) {
	an := analyze(t, "UPDATE tgt t SET amount = s.amount * 2 FROM src s WHERE s.id = t.id", nil)
	assert.Equal(t, map[string]string{"amount": "s.amount * 2"}, outputs(an))
	assert.Equal(t, []string{"tgt", "src"}, an.Sources)
}

func TestAnalyze_Merge(t *testing.T) {
	an := analyze(t, `MERGE INTO tgt t USING src s ON t.id = s.id
		WHEN MATCHED THEN UPDATE SET amount = s.amount
		WHEN NOT MATCHED THEN INSERT (id, amount) VALUES (s.id, s.amount + 1)`, nil)
	require.Len(t, an.Outputs, 3)
	assert.Equal(t, "amount", an.Outputs[0].Column)
	assert.Equal(t, "s.amount", an.Outputs[0].Expr.Text)
	assert.Equal(t, "id", an.Outputs[1].Column)
	assert.Equal(t, "s.amount + 1", an.Outputs[2].Expr.Text)
}

func TestAnalyze_CastAndCase(t *testing.T) {
	an := analyze(t, "SELECT CAST(o.amt AS numeric(10,2)) AS amt, CASE WHEN o.amt > 0 THEN 'pos' ELSE 'neg' END AS sign FROM orders o", nil)
	assert.Equal(t, map[string]string{
		"amt":  "CAST(o.amt AS NUMERIC(10, 2))",
		"sign": "CASE WHEN o.amt > 0 THEN 'pos' ELSE 'neg' END",
	}, outputs(an))
}

func TestAnalyze_ExtractAndDistinctFrom(t *testing.T) {
	an := analyze(t, "SELECT EXTRACT(YEAR FROM o.d) AS yr, a.x IS DISTINCT FROM b.y AS changed FROM orders o JOIN t1 a ON true JOIN t2 b ON a.id = b.id", nil)
	assert.Equal(t, map[string]string{
		"yr":      "EXTRACT(YEAR FROM o.d)",
		"changed": "a.x IS DISTINCT FROM b.y",
	}, outputs(an))
}

func TestAnalyze_Idempotent(t *testing.T) {
	stmt, err := New().Parse(`SELECT COALESCE((SELECT MAX(h.v) FROM h WHERE h.k = p.k), 0) AS v FROM p`)
	require.NoError(t, err)
	first, err := stmt.Analyze(nil)
	require.NoError(t, err)
	second, err := stmt.Analyze(nil)
	require.NoError(t, err)
	assert.Equal(t, outputs(first), outputs(second))
	assert.Equal(t, len(first.CTEs), len(second.CTEs))
}
