package db

import (
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/zulandar/pkgyard/internal/config"
	"github.com/zulandar/pkgyard/internal/models"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := ConnectSQLite(":memory:")
	if err != nil {
		t.Fatalf("ConnectSQLite: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	t.Cleanup(func() { Close(db) })
	return db
}

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.DatabaseConfig
		want []string
	}{
		{
			name: "password and custom port",
			cfg:  config.DatabaseConfig{Host: "10.0.0.5", Port: 3307, User: "pkg", Password: "secret", Name: "pkgyard"},
			want: []string{"pkg:secret@tcp(10.0.0.5:3307)/pkgyard", "parseTime=true"},
		},
		{
			name: "no password",
			cfg:  config.DatabaseConfig{Host: "db.internal", Port: 3306, User: "root", Name: "sessions"},
			want: []string{"root@tcp(db.internal:3306)/sessions"},
		},
		{
			name: "ipv6 host",
			cfg:  config.DatabaseConfig{Host: "::1", Port: 3306, User: "root", Name: "x"},
			want: []string{"tcp([::1]:3306)"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DSN(tt.cfg)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("DSN() = %q, want to contain %q", got, w)
				}
			}
		})
	}
}

func TestConnect_UnknownDriver(t *testing.T) {
	_, err := Connect(config.DatabaseConfig{Driver: "oracle"})
	if err == nil || !strings.Contains(err.Error(), "unknown driver") {
		t.Errorf("err = %v, want unknown driver", err)
	}
}

func TestConnect_MySQLError(t *testing.T) {
	// Port 1 is unlikely to have a MySQL server; expect connection error.
	_, err := Connect(config.DatabaseConfig{Driver: "mysql", Host: "127.0.0.1", Port: 1, User: "root", Name: "none"})
	if err == nil {
		t.Fatal("expected error connecting to invalid port")
	}
	if !strings.Contains(err.Error(), "db: connect to") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "db: connect to")
	}
}

func TestAllModels_Count(t *testing.T) {
	if got := len(AllModels()); got != 13 {
		t.Errorf("AllModels() returned %d models, want 13", got)
	}
}

func TestAutoMigrate_CreatesTables(t *testing.T) {
	db := testDB(t)
	for _, m := range AllModels() {
		if !db.Migrator().HasTable(m) {
			t.Errorf("table for %T missing", m)
		}
	}
	v, err := CurrentVersion(db)
	if err != nil {
		t.Fatalf("CurrentVersion: %v", err)
	}
	if v != SchemaVersion {
		t.Errorf("version = %d, want %d", v, SchemaVersion)
	}
}

func TestAutoMigrate_Idempotent(t *testing.T) {
	db := testDB(t)
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("second AutoMigrate: %v", err)
	}
}

func TestUpgrade_WipesOnlyTransientState(t *testing.T) {
	db, err := ConnectSQLite(filepath.Join(t.TempDir(), "upgrade.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer Close(db)
	if err := migrateTo(db, 1); err != nil {
		t.Fatalf("migrate v1: %v", err)
	}

	rows := []interface{}{
		&models.Session{ID: "S1", Kind: "install", State: "FAILED", Confirmation: "immediate"},
		&models.InstallFailure{SessionID: "S1", Kind: "conflict", OtherPackageName: "com.other"},
		&models.SessionProgress{SessionID: "S1", Current: 40, Max: 100},
		&models.ConfirmationLaunch{SessionID: "S1", LaunchedAt: time.Now()},
		&models.InstallPreapproval{SessionID: "S1", IsActivating: true},
		&models.Session{ID: "S2", Kind: "install", State: "ACTIVE", Confirmation: "immediate"},
		&models.InstallPreapproval{SessionID: "S2", IsPreapproved: true},
	}
	for _, r := range rows {
		if err := db.Create(r).Error; err != nil {
			t.Fatalf("seed %T: %v", r, err)
		}
	}

	if err := migrateTo(db, 2); err != nil {
		t.Fatalf("migrate v2: %v", err)
	}

	var n int64
	db.Model(&models.SessionProgress{}).Count(&n)
	if n != 0 {
		t.Errorf("session_progress rows = %d, want 0", n)
	}
	db.Model(&models.ConfirmationLaunch{}).Count(&n)
	if n != 0 {
		t.Errorf("confirmation_launches rows = %d, want 0", n)
	}
	var f models.InstallFailure
	if err := db.First(&f, "session_id = ?", "S1").Error; err != nil {
		t.Fatalf("failure row lost: %v", err)
	}
	if f.Kind != "conflict" {
		t.Errorf("failure kind = %q, want conflict", f.Kind)
	}
	var p1, p2 models.InstallPreapproval
	db.First(&p1, "session_id = ?", "S1")
	db.First(&p2, "session_id = ?", "S2")
	if p1.IsActivating {
		t.Error("in-flight preapproval not reset")
	}
	if !p2.IsPreapproved {
		t.Error("preapproved outcome was cleared")
	}
	if v, _ := CurrentVersion(db); v != 2 {
		t.Errorf("version = %d, want 2", v)
	}
}

func TestPurgeTerminal(t *testing.T) {
	db := testDB(t)
	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()
	seed := []models.Session{
		{ID: "OLD_DONE", Kind: "install", State: "SUCCEEDED", Confirmation: "immediate", LastLaunchAt: old},
		{ID: "OLD_FAILED", Kind: "uninstall", State: "FAILED", Confirmation: "deferred", LastLaunchAt: old},
		{ID: "OLD_ACTIVE", Kind: "install", State: "ACTIVE", Confirmation: "immediate", LastLaunchAt: old},
		{ID: "NEW_DONE", Kind: "install", State: "CANCELLED", Confirmation: "immediate", LastLaunchAt: recent},
	}
	for i := range seed {
		if err := db.Create(&seed[i]).Error; err != nil {
			t.Fatal(err)
		}
	}
	db.Create(&models.InstallURI{SessionID: "OLD_DONE", Position: 0, URI: "file:///a.apk"})
	db.Create(&models.UninstallFailure{SessionID: "OLD_FAILED", Kind: "aborted"})

	ids, err := PurgeTerminal(db, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeTerminal: %v", err)
	}
	sort.Strings(ids)
	if strings.Join(ids, ",") != "OLD_DONE,OLD_FAILED" {
		t.Errorf("purged = %v, want [OLD_DONE OLD_FAILED]", ids)
	}

	var left []string
	db.Model(&models.Session{}).Order("id").Pluck("id", &left)
	if strings.Join(left, ",") != "NEW_DONE,OLD_ACTIVE" {
		t.Errorf("remaining = %v", left)
	}
	var children int64
	db.Model(&models.InstallURI{}).Count(&children)
	if children != 0 {
		t.Errorf("install_uris rows = %d, want 0", children)
	}
	db.Model(&models.UninstallFailure{}).Count(&children)
	if children != 0 {
		t.Errorf("uninstall_failures rows = %d, want 0", children)
	}
}

func TestPurgeTerminal_NothingToDo(t *testing.T) {
	db := testDB(t)
	ids, err := PurgeTerminal(db, time.Now())
	if err != nil || len(ids) != 0 {
		t.Errorf("PurgeTerminal on empty db = %v, %v", ids, err)
	}
}
