package postgres

import "testing"

func TestMigrationURL(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "postgres://u:p@localhost:5432/orders?sslmode=disable", want: "pgx5://u:p@localhost:5432/orders?sslmode=disable"},
		{in: " postgresql://localhost/orders ", want: "pgx5://localhost/orders"},
		{in: "pgx5://localhost/orders", want: "pgx5://localhost/orders"},
		{in: "host=localhost dbname=orders", wantErr: true},
	}
	for _, tc := range cases {
		got, err := migrationURL(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("expected error for %q", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("migrationURL(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("migrationURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected up and down migrations, got %d files", len(entries))
	}
}
