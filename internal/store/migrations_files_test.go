package store

import (
	"io/fs"
	"regexp"
	"testing"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)

	perDialect := map[Dialect][]string{}
	for _, dialect := range []Dialect{Postgres, SQLite} {
		files, err := Migrations(dialect)
		if err != nil {
			t.Fatalf("open %s migrations: %v", dialect, err)
		}
		entries, err := fs.ReadDir(files, ".")
		if err != nil {
			t.Fatalf("read %s migrations: %v", dialect, err)
		}

		byVersion := map[string]map[string]bool{}
		for _, entry := range entries {
			match := pattern.FindStringSubmatch(entry.Name())
			if match == nil {
				continue
			}
			version, direction := match[1], match[2]
			if byVersion[version] == nil {
				byVersion[version] = map[string]bool{}
			}
			if byVersion[version][direction] {
				t.Fatalf("%s: duplicate %s migration file for version %s", dialect, direction, version)
			}
			byVersion[version][direction] = true
			if direction == "up" {
				perDialect[dialect] = append(perDialect[dialect], entry.Name())
			}
		}

		if len(byVersion) == 0 {
			t.Fatalf("%s: no migrations discovered", dialect)
		}
		for version, dirs := range byVersion {
			if !dirs["up"] || !dirs["down"] {
				t.Fatalf("%s: version %s must include both up and down files", dialect, version)
			}
		}
	}

	pg, lite := perDialect[Postgres], perDialect[SQLite]
	if len(pg) != len(lite) {
		t.Fatalf("dialects diverge: postgres %v, sqlite %v", pg, lite)
	}
	for i := range pg {
		if pg[i] != lite[i] {
			t.Fatalf("dialects diverge at %d: postgres %s, sqlite %s", i, pg[i], lite[i])
		}
	}
}

func TestRebindSQLitePlaceholders(t *testing.T) {
	got := SQLite.rebind(`SELECT * FROM t WHERE a=$1 AND b=$2 OR c=$12`)
	want := `SELECT * FROM t WHERE a=?1 AND b=?2 OR c=?12`
	if got != want {
		t.Fatalf("rebind = %q, want %q", got, want)
	}
	if Postgres.rebind(`a=$1`) != `a=$1` {
		t.Fatal("postgres queries must keep $N placeholders")
	}
}

func TestParseDialect(t *testing.T) {
	cases := map[string]Dialect{"postgres": Postgres, "pgx": Postgres, "sqlite": SQLite, "sqlite3": SQLite}
	for input, want := range cases {
		got, err := ParseDialect(input)
		if err != nil || got != want {
			t.Fatalf("ParseDialect(%q) = %q, %v", input, got, err)
		}
	}
	if _, err := ParseDialect("mysql"); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestSQLiteDSNAddsPragmas(t *testing.T) {
	got := sqliteDSN("/tmp/a.db")
	want := "/tmp/a.db?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	if got != want {
		t.Fatalf("sqliteDSN = %q", got)
	}
	if sqliteDSN("file:x.db?_pragma=foreign_keys(1)") != "file:x.db?_pragma=foreign_keys(1)" {
		t.Fatal("explicit pragmas must be kept as given")
	}
}
