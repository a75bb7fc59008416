package buildspec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func demoVars() Vars {
	return Vars{
		RepositoryURI: "registry/app",
		ImageTag:      "abc123",
		Revision:      "abc123",
		Branch:        "main",
		ContainerName: "app",
	}
}

// =============================================================================
// Render Tests
// =============================================================================

func TestRender_DefaultScript(t *testing.T) {
	steps, err := Render(Spec{}, demoVars())
	require.NoError(t, err)
	require.Len(t, steps, 5)

	assert.Equal(t, PhasePreBuild, steps[0].Phase)
	assert.Contains(t, steps[0].Command, "docker login")
	assert.Equal(t, "docker build -t registry/app:latest .", steps[1].Command)
	assert.Equal(t, "docker tag registry/app:latest registry/app:abc123", steps[2].Command)
	assert.Equal(t, "docker push registry/app:abc123", steps[3].Command)
	assert.Equal(t,
		`printf '[{"name":"%s","imageUri":"%s"}]' 'app' 'registry/app:abc123' > imagedefinitions.json`,
		steps[4].Command)

	for i, s := range steps {
		assert.Equal(t, i+1, s.Index)
	}
}

func TestRender_CustomPhasesKeepOrder(t *testing.T) {
	spec := Spec{Phases: Phases{
		PostBuild: []string{"echo post"},
		Install:   []string{"echo install"},
		Build:     []string{"echo {{ .Branch | upper }}"},
	}}
	steps, err := Render(spec, demoVars())
	require.NoError(t, err)

	require.Len(t, steps, 3)
	assert.Equal(t, []string{PhaseInstall, PhaseBuild, PhasePostBuild},
		[]string{steps[0].Phase, steps[1].Phase, steps[2].Phase})
	assert.Equal(t, "echo MAIN", steps[1].Command)
}

func TestRender_ExplicitImageURIWins(t *testing.T) {
	vars := demoVars()
	vars.ImageURI = "mirror/app:pinned"
	steps, err := Render(Spec{}, vars)
	require.NoError(t, err)
	assert.Equal(t, "docker push mirror/app:pinned", steps[3].Command)
}

func TestRender_UnknownFieldFails(t *testing.T) {
	spec := Spec{Phases: Phases{Build: []string{"echo {{ .Nope }}"}}}
	_, err := Render(spec, demoVars())
	assert.ErrorIs(t, err, ErrInvalidCommand)
}

func TestRender_MissingVars(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Vars)
	}{
		{"repository", func(v *Vars) { v.RepositoryURI = "" }},
		{"tag", func(v *Vars) { v.ImageTag = "" }},
		{"container", func(v *Vars) { v.ContainerName = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vars := demoVars()
			tt.mutate(&vars)
			_, err := Render(Spec{}, vars)
			assert.ErrorIs(t, err, ErrMissingVar)
		})
	}
}

func TestValidate_BadTemplate(t *testing.T) {
	spec := Spec{Phases: Phases{Build: []string{"echo {{ .Branch "}}}
	assert.ErrorIs(t, spec.Validate(), ErrInvalidCommand)
	assert.NoError(t, DefaultSpec().Validate())
}

func TestEnvironment(t *testing.T) {
	vars := demoVars()
	vars.ImageURI = ImageURI(vars.RepositoryURI, vars.ImageTag)
	env := Environment(Spec{Env: map[string]string{"IMAGE_TAG": "override", "EXTRA": "1"}}, vars)

	assert.Contains(t, env, "REPOSITORY_URI=registry/app")
	assert.Contains(t, env, "IMAGE_URI=registry/app:abc123")
	assert.Contains(t, env, "IMAGE_TAG=override")
	assert.Contains(t, env, "EXTRA=1")
	assert.IsIncreasing(t, env)
}

func TestRegistryHost(t *testing.T) {
	tests := []struct {
		uri  string
		want string
	}{
		{"123456789012.dkr.ecr.us-east-1.amazonaws.com/app", "123456789012.dkr.ecr.us-east-1.amazonaws.com"},
		{"localhost:5000/app", "localhost:5000"},
		{"localhost/app", "localhost"},
		{"registry/app", ""},
		{"nginx", ""},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			assert.Equal(t, tt.want, RegistryHost(tt.uri))
		})
	}
}

func TestImageURI_DefaultTag(t *testing.T) {
	assert.Equal(t, "registry/app:latest", ImageURI("registry/app", ""))
}

// =============================================================================
// Manifest Tests
// =============================================================================

func TestManifest_RoundTrip(t *testing.T) {
	data, err := EncodeManifest(ImageDefinition{Name: "app", ImageURI: "registry/app:abc123"})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"name":"app","imageUri":"registry/app:abc123"}]`, string(data))

	def, err := ParseManifest(data)
	require.NoError(t, err)
	assert.Equal(t, ImageDefinition{Name: "app", ImageURI: "registry/app:abc123"}, def)
}

func TestParseManifest_ShellOutput(t *testing.T) {
	// What the default printf step writes, including the trailing spaces of
	// hand-written scripts.
	def, err := ParseManifest([]byte(`[{ "name": "app", "imageUri": "registry/app:abc123 " }]`))
	require.NoError(t, err)
	assert.Equal(t, "registry/app:abc123", def.ImageURI)
}

func TestParseManifest_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data string
		want error
	}{
		{"not json", `{`, ErrInvalidManifest},
		{"object", `{"name":"app"}`, ErrInvalidManifest},
		{"empty list", `[]`, ErrManifestEntries},
		{"two entries", `[{"name":"a","imageUri":"x"},{"name":"b","imageUri":"y"}]`, ErrManifestEntries},
		{"no name", `[{"imageUri":"x"}]`, ErrInvalidManifest},
		{"no image", `[{"name":"app"}]`, ErrInvalidManifest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.data))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
