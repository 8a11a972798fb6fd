package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/openvio/facet/broker"
	"github.com/openvio/facet/camera"
	"github.com/openvio/facet/service"
)

type nullDevice struct{ id string }

func (d *nullDevice) ID() string { return d.id }

func (d *nullDevice) SetMaxFramesInFlight(int) error { return nil }

func (d *nullDevice) StartStream(broker.StreamSink) error { return nil }

func (d *nullDevice) StopStream() error { return nil }

func (d *nullDevice) MarkFrameConsumed(uint32) {}

func (d *nullDevice) GetParameter(camera.Param) (int32, error) { return 0, nil }

func (d *nullDevice) Close() error { return nil }

func (d *nullDevice) SetParameter(_ camera.Param, v int32) (int32, error) { return v, nil }
func (d *nullDevice) GetParameterRange(camera.Param) (camera.ParamRange, error) {
	return camera.ParamRange{}, nil
}

func newTestService(t *testing.T) *service.Service {
	t.Helper()
	svc, err := service.New(service.Config{
		List: func() []camera.Desc {
			return []camera.Desc{{ID: "cam0"}, {ID: "cam1"}}
		},
		OpenDevice: func(id string, cfg camera.StreamConfig) (service.ManagedDevice, error) {
			return &nullDevice{id: id}, nil
		},
	})
	if err != nil {
		t.Fatalf("service.New: %v", err)
	}
	return svc
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	srv := New(newTestService(t), nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: got %d", rec.Code)
	}
}

func TestListCameras(t *testing.T) {
	t.Parallel()
	svc := newTestService(t)
	c, err := svc.Open("cam0", nil, broker.VersionPaced, 1, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer svc.Close(c)

	srv := New(svc, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/cameras", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("cameras: got %d", rec.Code)
	}

	var body struct {
		Cameras []struct {
			ID     string `json:"id"`
			Active bool   `json:"active"`
		} `json:"cameras"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Cameras) != 2 {
		t.Fatalf("cameras: got %d, want 2", len(body.Cameras))
	}
	for _, cam := range body.Cameras {
		if cam.ID == "cam0" && !cam.Active {
			t.Error("cam0 should be active")
		}
		if cam.ID == "cam1" && cam.Active {
			t.Error("cam1 should be idle")
		}
	}
}

func TestCameraSnapshot(t *testing.T) {
	t.Parallel()
	svc := newTestService(t)
	c, err := svc.Open("cam0", nil, broker.VersionPaced, 2, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer svc.Close(c)

	srv := New(svc, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/cameras/cam0", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("snapshot: got %d, body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "\"poolSize\":2") {
		t.Errorf("snapshot missing pool size: %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/cameras/cam1", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("idle camera: got %d, want 404", rec.Code)
	}
}
