package staging

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/me/gowps/pkg/model"
	"github.com/stretchr/testify/require"
)

var (
	sceneParam = model.Parameter{
		ID: "scene", Type: model.TypeFile, MinOccurs: 1, MaxOccurs: 1,
		Formats: []model.Format{{MediaType: "image/tiff"}},
	}
	bandsParam = model.Parameter{ID: "bands", Type: model.TypeFile, MinOccurs: 1, MaxOccurs: model.Unbounded}
	levelParam = model.Parameter{ID: "level", Type: model.TypeInt, MinOccurs: 1, MaxOccurs: 1}
	dirParam   = model.Parameter{ID: "tiles", Type: model.TypeDirectory, MinOccurs: 1, MaxOccurs: 1}
)

func newResolver(t *testing.T, opts Options, roots ...string) *Resolver {
	t.Helper()
	if opts.Root == "" {
		opts.Root = t.TempDir()
	}
	if opts.Parallelism == 0 {
		opts.Parallelism = 2
	}
	r := New(opts, nil)
	r.Register("file", NewFileFetcher(roots))
	httpFetcher := NewHTTPFetcher(HTTPConfig{MaxRetries: 1})
	r.Register("http", httpFetcher)
	r.Register("https", httpFetcher)
	return r
}

func TestStage_LocalLiteralAndInline(t *testing.T) {
	src := t.TempDir()
	scene := filepath.Join(src, "scene.tif")
	require.NoError(t, os.WriteFile(scene, []byte("II*\x00"), 0o644))

	r := newResolver(t, Options{}, src)
	res, err := r.Stage(context.Background(), Request{
		JobID:  "job_1",
		Params: []model.Parameter{sceneParam, bandsParam, levelParam},
		Inputs: map[string]model.InputList{
			"scene": {{Href: "file://" + scene}},
			"bands": {{Value: "red"}, {Value: map[string]any{"nir": 8}}},
			"level": {{Value: 3}},
		},
	})
	require.NoError(t, err)

	staged := res.Inputs["scene"][0]
	require.Equal(t, filepath.Join(res.InputDir, "scene", "0", "scene.tif"), staged.Location)
	require.Equal(t, "image/tiff", staged.MediaType)
	require.Equal(t, int64(4), staged.Size)
	require.Equal(t, "file://"+scene, staged.Source)

	require.Len(t, res.Inputs["bands"], 2)
	data, err := os.ReadFile(res.Inputs["bands"][1].Location)
	require.NoError(t, err)
	require.JSONEq(t, `{"nir": 8}`, string(data))
	require.Equal(t, "text/plain", res.Inputs["bands"][0].MediaType)

	file := res.JobOrder["scene"].(map[string]any)
	require.Equal(t, "File", file["class"])
	require.Equal(t, staged.Location, file["path"])
	require.Len(t, res.JobOrder["bands"], 2, "array inputs are lists")
	require.Equal(t, 3, res.JobOrder["level"])

	require.DirExists(t, res.OutputDir)
}

func TestStage_CopiesAreJobScoped(t *testing.T) {
	src := t.TempDir()
	scene := filepath.Join(src, "scene.tif")
	require.NoError(t, os.WriteFile(scene, []byte("x"), 0o644))

	r := newResolver(t, Options{}, src)
	req := Request{Params: []model.Parameter{sceneParam}, Inputs: map[string]model.InputList{"scene": {{Href: scene}}}}

	req.JobID = "job_a"
	a, err := r.Stage(context.Background(), req)
	require.NoError(t, err)
	req.JobID = "job_b"
	b, err := r.Stage(context.Background(), req)
	require.NoError(t, err)
	require.NotEqual(t, a.Inputs["scene"][0].Location, b.Inputs["scene"][0].Location)

	require.NoError(t, r.Cleanup("job_a"))
	require.NoDirExists(t, a.WorkDir)
	require.FileExists(t, b.Inputs["scene"][0].Location)
}

func TestStage_Directory(t *testing.T) {
	src := t.TempDir()
	tiles := filepath.Join(src, "tiles")
	require.NoError(t, os.MkdirAll(filepath.Join(tiles, "z1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tiles, "z1", "0.png"), []byte("png"), 0o644))

	r := newResolver(t, Options{}, src)
	res, err := r.Stage(context.Background(), Request{
		JobID:  "job_1",
		Params: []model.Parameter{dirParam},
		Inputs: map[string]model.InputList{"tiles": {{Href: tiles}}},
	})
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(res.Inputs["tiles"][0].Location, "z1", "0.png"))
	require.Equal(t, "Directory", res.JobOrder["tiles"].(map[string]any)["class"])

	_, err = r.Stage(context.Background(), Request{
		JobID:  "job_2",
		Params: []model.Parameter{dirParam},
		Inputs: map[string]model.InputList{"tiles": {{Href: "https://example.org/tiles"}}},
	})
	require.True(t, model.IsCode(err, model.ErrValidation), "got %v", err)
}

func TestStage_Rejections(t *testing.T) {
	allowed := t.TempDir()
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.tif")
	require.NoError(t, os.WriteFile(secret, []byte("x"), 0o644))
	text := filepath.Join(allowed, "notes.txt")
	require.NoError(t, os.WriteFile(text, []byte("x"), 0o644))

	tests := map[string]model.InputRef{
		"outside roots":      {Href: secret},
		"relative path":      {Href: "scene.tif"},
		"wrong format":       {Href: text},
		"unsupported scheme": {Href: "ftp://example.org/scene.tif"},
	}
	for name, ref := range tests {
		t.Run(name, func(t *testing.T) {
			root := t.TempDir()
			r := newResolver(t, Options{Root: root}, allowed)
			_, err := r.Stage(context.Background(), Request{
				JobID:  "job_x",
				Params: []model.Parameter{sceneParam},
				Inputs: map[string]model.InputList{"scene": {ref}},
			})
			require.True(t, model.IsCode(err, model.ErrValidation), "got %v", err)
			apiErr := err.(*model.APIError)
			require.Equal(t, "inputs.scene[0]", apiErr.Details[0].Field)
			require.NoDirExists(t, filepath.Join(root, "job_x"), "failed staging cleans up")
		})
	}
}

func TestStage_ContentTypeFromServer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/render":
			w.Header().Set("Content-Type", "image/tiff")
		case "/page":
			w.Header().Set("Content-Type", "text/html")
		}
		w.Write([]byte("data"))
	}))
	defer server.Close()

	r := newResolver(t, Options{})
	res, err := r.Stage(context.Background(), Request{
		JobID:  "job_1",
		Params: []model.Parameter{sceneParam},
		Inputs: map[string]model.InputList{"scene": {{Href: server.URL + "/render"}}},
	})
	require.NoError(t, err)
	require.Equal(t, "image/tiff", res.Inputs["scene"][0].MediaType)

	_, err = r.Stage(context.Background(), Request{
		JobID:  "job_2",
		Params: []model.Parameter{sceneParam},
		Inputs: map[string]model.InputList{"scene": {{Href: server.URL + "/page"}}},
	})
	require.True(t, model.IsCode(err, model.ErrValidation), "got %v", err)
}

func TestStage_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	r := newResolver(t, Options{Timeout: 50 * time.Millisecond})
	_, err := r.Stage(context.Background(), Request{
		JobID:  "job_slow",
		Params: []model.Parameter{bandsParam},
		Inputs: map[string]model.InputList{"bands": {{Href: server.URL + "/slow.tif"}}},
	})
	require.True(t, model.IsCode(err, model.ErrValidation), "got %v", err)
	require.Contains(t, err.(*model.APIError).Details[0].Message, "did not finish")
}

type fakeVault struct {
	files map[string]string
}

func (f *fakeVault) Copy(_ context.Context, id, token string, w io.Writer) (*model.VaultFile, error) {
	body, ok := f.files[id]
	if !ok {
		return nil, model.NewNotFoundError("Vault file", id)
	}
	if token != "t0k" {
		return nil, model.NewAuthorizationError("vault access token does not match")
	}
	io.WriteString(w, body)
	return &model.VaultFile{ID: id, Filename: "upload.tif", MediaType: "image/tiff"}, nil
}

func TestStage_Vault(t *testing.T) {
	v := &fakeVault{files: map[string]string{"abc": "tiff bytes"}}
	r := newResolver(t, Options{})
	r.Register("vault", NewVaultFetcher(v))

	res, err := r.Stage(context.Background(), Request{
		JobID:  "job_1",
		Params: []model.Parameter{sceneParam},
		Inputs: map[string]model.InputList{"scene": {{Href: "vault://abc", Token: "t0k"}}},
	})
	require.NoError(t, err)
	got := res.Inputs["scene"][0]
	require.Equal(t, "upload.tif", filepath.Base(got.Location))
	require.Equal(t, "vault://abc", got.Source)
	require.Equal(t, []VaultRef{{ID: "abc", Token: "t0k"}}, res.VaultFiles)

	_, err = r.Stage(context.Background(), Request{
		JobID:  "job_2",
		Params: []model.Parameter{sceneParam},
		Inputs: map[string]model.InputList{"scene": {{Href: "vault://abc", Token: "nope"}}},
	})
	require.True(t, model.IsCode(err, model.ErrUnauthorized), "vault errors keep their code, got %v", err)
}

type fakeS3 struct {
	objects map[string]string
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return &s3.GetObjectOutput{
		Body:        io.NopCloser(strings.NewReader(body)),
		ContentType: aws.String("image/tiff"),
	}, nil
}

func TestStage_S3(t *testing.T) {
	r := newResolver(t, Options{})
	r.Register("s3", NewS3Fetcher(&fakeS3{objects: map[string]string{"scenes/2024/a.tif": "tiff"}}))

	res, err := r.Stage(context.Background(), Request{
		JobID:  "job_1",
		Params: []model.Parameter{sceneParam},
		Inputs: map[string]model.InputList{"scene": {{Href: "s3://scenes/2024/a.tif"}}},
	})
	require.NoError(t, err)
	data, err := os.ReadFile(res.Inputs["scene"][0].Location)
	require.NoError(t, err)
	require.True(t, bytes.Equal([]byte("tiff"), data))

	_, err = r.Stage(context.Background(), Request{
		JobID:  "job_2",
		Params: []model.Parameter{sceneParam},
		Inputs: map[string]model.InputList{"scene": {{Href: "s3://scenes"}}},
	})
	require.True(t, model.IsCode(err, model.ErrValidation), "got %v", err)
}
