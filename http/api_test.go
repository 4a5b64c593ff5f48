package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePipeline struct {
	infos []ModuleInfo
	drops uint64
}

func (f *fakePipeline) ModuleInfos() []ModuleInfo { return f.infos }
func (f *fakePipeline) Drops() uint64             { return f.drops }

type fakeEncoder struct {
	keyFrames int
	bitrate   uint32
	fps       uint32
}

func (f *fakeEncoder) RequestKeyFrame() error       { f.keyFrames++; return nil }
func (f *fakeEncoder) SetBitrate(kbps uint32) error { f.bitrate = kbps; return nil }
func (f *fakeEncoder) SetFrameRate(fps uint32) error {
	f.fps = fps
	return nil
}

func newTestAPI(t *testing.T) (*httptest.Server, *fakePipeline, *fakeEncoder) {
	t.Helper()
	p := &fakePipeline{
		infos: []ModuleInfo{
			{Name: "capture", Kind: "source", State: "running"},
			{Name: "encode", Kind: "encoder", State: "running"},
		},
		drops: 3,
	}
	e := &fakeEncoder{}
	mux := httprouter.New()
	NewAPI(p, e).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, p, e
}

func TestListModules(t *testing.T) {
	srv, _, _ := newTestAPI(t)

	resp, err := http.Get(srv.URL + "/api/v1/modules")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var infos []ModuleInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&infos))
	require.Len(t, infos, 2)
	assert.Equal(t, "capture", infos[0].Name)
	assert.Equal(t, "running", infos[0].State)
}

func TestStats(t *testing.T) {
	srv, _, _ := newTestAPI(t)

	resp, err := http.Get(srv.URL + "/api/v1/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats map[string]uint64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, uint64(3), stats["drops"])
}

func TestRequestKeyFrame(t *testing.T) {
	srv, _, e := newTestAPI(t)

	resp, err := http.Post(srv.URL+"/api/v1/keyframe", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 1, e.keyFrames)
}

func TestSetBitrate(t *testing.T) {
	srv, _, e := newTestAPI(t)

	resp, err := http.Post(srv.URL+"/api/v1/bitrate?kbps=6000", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, uint32(6000), e.bitrate)

	resp, err = http.Post(srv.URL+"/api/v1/bitrate", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSetFrameRate(t *testing.T) {
	srv, _, e := newTestAPI(t)

	resp, err := http.Post(srv.URL+"/api/v1/framerate?fps=15", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, uint32(15), e.fps)
}
