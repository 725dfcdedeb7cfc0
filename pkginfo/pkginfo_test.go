package pkginfo

import "testing"

func TestParseFilename(t *testing.T) {
	tests := []struct {
		filename    string
		wantName    string
		wantVersion string
		wantBuild   string
		wantExt     Ext
		wantErr     bool
	}{
		{"numpy-1.20.0-py39h1234.tar.bz2", "numpy", "1.20.0", "py39h1234", ExtTarBz2, false},
		{"conda-forge-pkg-1.0-0.conda", "conda-forge-pkg", "1.0", "0", ExtConda, false},
		{"foo-1.0-0.zip", "", "", "", "", true},
		{"foo.tar.bz2", "", "", "", "", true},
		{"foo-1.0.tar.bz2", "", "", "", "", true},
	}
	for _, tt := range tests {
		name, version, build, ext, err := ParseFilename(tt.filename)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseFilename(%q) error = %v, wantErr %v", tt.filename, err, tt.wantErr)
		}
		if err != nil {
			continue
		}
		if name != tt.wantName || version != tt.wantVersion || build != tt.wantBuild || ext != tt.wantExt {
			t.Errorf("ParseFilename(%q) = (%q,%q,%q,%q), want (%q,%q,%q,%q)",
				tt.filename, name, version, build, ext, tt.wantName, tt.wantVersion, tt.wantBuild, tt.wantExt)
		}
	}
}

func TestExpectedFilenameRoundTrip(t *testing.T) {
	name, version, build := "numpy", "1.20.0", "py39h1234"
	filename := ExpectedFilename(name, version, build, ExtTarBz2)
	gotName, gotVersion, gotBuild, gotExt, err := ParseFilename(filename)
	if err != nil {
		t.Fatalf("ParseFilename: %v", err)
	}
	if gotName != name || gotVersion != version || gotBuild != build || gotExt != ExtTarBz2 {
		t.Errorf("round-trip mismatch: got (%q,%q,%q,%q)", gotName, gotVersion, gotBuild, gotExt)
	}
}

func TestValidate(t *testing.T) {
	p := PackageInfo{Name: "numpy", Version: "1.20.0", BuildString: "py39h1234", Filename: "numpy-1.20.0-py39h1234.tar.bz2"}
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	bad := p
	bad.Filename = "numpy-1.20.0-py39h5678.tar.bz2"
	if err := bad.Validate(); err == nil {
		t.Error("Validate: want error for mismatched filename, got nil")
	}

	noName := p
	noName.Name = ""
	noName.Filename = "-1.20.0-py39h1234.tar.bz2"
	if err := noName.Validate(); err == nil {
		t.Error("Validate: want error for empty name, got nil")
	}
}

func TestLongNameAndBuildTriple(t *testing.T) {
	p := PackageInfo{Name: "numpy", Version: "1.20.0", BuildString: "py39h1234", Channel: "conda-forge", Subdir: "linux-64"}
	if got, want := p.BuildTriple(), "numpy-1.20.0-py39h1234"; got != want {
		t.Errorf("BuildTriple() = %q, want %q", got, want)
	}
	if got, want := p.LongName(), "conda-forge/linux-64::numpy-1.20.0-py39h1234"; got != want {
		t.Errorf("LongName() = %q, want %q", got, want)
	}
}

func TestKeyOf(t *testing.T) {
	p := PackageInfo{Channel: "conda-forge", Subdir: "linux-64", Filename: "numpy-1.20.0-py39h1234.tar.bz2"}
	want := Key{Channel: "conda-forge", Subdir: "linux-64", Filename: "numpy-1.20.0-py39h1234.tar.bz2"}
	if got := KeyOf(p); got != want {
		t.Errorf("KeyOf() = %+v, want %+v", got, want)
	}
}
