package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/guregu/null/v6"

	"github.com/fnforge/fnforge/pkg/deploy"
	"github.com/fnforge/fnforge/pkg/stores"
	"github.com/fnforge/fnforge/pkg/telemetry"
)

// TestBuildAndPush tests the multipart build request
func TestBuildAndPush(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/build-and-push" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("failed to parse multipart form: %v", err)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("missing file part: %v", err)
			return
		}
		content, _ := io.ReadAll(file)
		if header.Filename != "hello.py" || string(content) != "print('hi')" {
			t.Errorf("unexpected file %s: %q", header.Filename, content)
		}
		want := map[string]string{
			"registry_url": "registry.local",
			"username":     "bot",
			"password":     "secret",
			"tag":          "sha256",
			"app_name":     "hello",
			"workspace_id": "ws-1",
		}
		for k, v := range want {
			if got := r.FormValue(k); got != v {
				t.Errorf("field %s = %q, want %q", k, got, v)
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"task_id": "task-9", "status": "pending", "message": "queued"})
	}))
	defer srv.Close()

	client, err := NewBuildClient(srv.URL)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	ticket, err := client.BuildAndPush(context.Background(), deploy.BuildRequest{
		Artifact:    deploy.NewArtifact("hello", "Python 3.12", "print('hi')"),
		RegistryURL: "registry.local",
		Username:    "bot",
		Password:    "secret",
		Tag:         "sha256",
		AppName:     "hello",
		WorkspaceID: "ws-1",
	})
	if err != nil {
		t.Fatalf("build and push failed: %v", err)
	}
	if ticket.TaskID != "task-9" || ticket.Status != "pending" {
		t.Errorf("unexpected ticket %+v", ticket)
	}
}

// TestTaskStatus tests decoding of the image reference under every accepted key
func TestTaskStatus(t *testing.T) {
	tests := []struct {
		name string
		body string
		want deploy.TaskStatus
	}{
		{
			name: "image_ref",
			body: `{"task_id":"t","status":"completed","result":{"image_ref":"reg/app@sha256:1"},"error":null}`,
			want: deploy.TaskStatus{TaskID: "t", Status: "completed", ImageRef: null.StringFrom("reg/app@sha256:1")},
		},
		{
			name: "image_url",
			body: `{"task_id":"t","status":"done","result":{"image_url":"reg/app:2"}}`,
			want: deploy.TaskStatus{TaskID: "t", Status: "done", ImageRef: null.StringFrom("reg/app:2")},
		},
		{
			name: "image_uri",
			body: `{"task_id":"t","status":"completed","result":{"image_ref":null,"image_uri":"reg/app:3"}}`,
			want: deploy.TaskStatus{TaskID: "t", Status: "completed", ImageRef: null.StringFrom("reg/app:3")},
		},
		{
			name: "no result",
			body: `{"task_id":"t","status":"running","result":null}`,
			want: deploy.TaskStatus{TaskID: "t", Status: "running"},
		},
		{
			name: "failed",
			body: `{"task_id":"t","status":"failed","error":"compile error"}`,
			want: deploy.TaskStatus{TaskID: "t", Status: "failed", Error: null.StringFrom("compile error")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/v1/tasks/t" || r.URL.Query().Get("workspace_id") != "ws-1" {
					t.Errorf("unexpected request %s", r.URL.String())
				}
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			client, _ := NewBuildClient(srv.URL)
			got, err := client.TaskStatus(context.Background(), "t", "ws-1")
			if err != nil {
				t.Fatalf("task status failed: %v", err)
			}
			if *got != tt.want {
				t.Errorf("got %+v, want %+v", *got, tt.want)
			}
		})
	}
}

// TestClusterDeploy tests the deploy request and a null endpoint
func TestClusterDeploy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode body: %v", err)
			return
		}
		if req["namespace"] != "default" || req["enable_autoscaling"] != true || req["use_spot"] != false {
			t.Errorf("unexpected request body: %v", req)
		}
		if _, ok := req["app_name"]; ok {
			t.Error("app_name should be omitted on a first deploy")
		}
		_, _ = io.WriteString(w, `{"app_name":"hello-x1","namespace":"default","service_name":"hello-x1","service_status":"Pending","endpoint":null,"enable_autoscaling":true,"use_spot":false}`)
	}))
	defer srv.Close()

	client, _ := NewClusterClient(srv.URL)
	dep, err := client.Deploy(context.Background(), deploy.ClusterDeployRequest{
		Namespace:         "default",
		ImageRef:          "reg/app@sha256:1",
		FunctionID:        "fn-1",
		EnableAutoscaling: true,
	})
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	if dep.AppName != "hello-x1" || dep.Endpoint.Valid {
		t.Errorf("unexpected deployment %+v", dep)
	}
}

// TestStatusError tests non-2xx handling
func TestStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, `{"detail":"builder offline"}`)
	}))
	defer srv.Close()

	client, _ := NewBuildClient(srv.URL)
	_, err := client.TaskStatus(context.Background(), "t", "ws")

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if se.StatusCode != http.StatusBadGateway || se.Body != "builder offline" || se.Operation != "task_status" {
		t.Errorf("unexpected status error %+v", se)
	}
}

// TestRecordClient tests the record service round trips
func TestRecordClient(t *testing.T) {
	backend := stores.NewMemoryStore(nil)
	ctx := context.Background()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/functions/{id}", func(w http.ResponseWriter, r *http.Request) {
		rec, err := backend.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			http.Error(w, `{"detail":"not found"}`, http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(rec)
	})
	mux.HandleFunc("PATCH /api/functions/{id}", func(w http.ResponseWriter, r *http.Request) {
		var patch stores.Patch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rec, err := backend.ApplyPatch(r.Context(), r.PathValue("id"), patch)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(rec)
	})
	mux.HandleFunc("POST /api/workspaces/{ws}/functions", func(w http.ResponseWriter, r *http.Request) {
		var rec stores.FunctionRecord
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rec.ID = "fn-created"
		rec.WorkspaceID = r.PathValue("ws")
		if err := backend.Create(r.Context(), &rec); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(rec)
	})
	mux.HandleFunc("GET /api/workspaces/{ws}/functions", func(w http.ResponseWriter, r *http.Request) {
		recs, _ := backend.ListByWorkspace(r.Context(), r.PathValue("ws"))
		_ = json.NewEncoder(w).Encode(recs)
	})
	mux.HandleFunc("DELETE /api/functions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if err := backend.Delete(r.Context(), r.PathValue("id")); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := NewRecordClient(srv.URL, WithTelemetry(telemetry.NewNopTelemetry()))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	rec := &stores.FunctionRecord{WorkspaceID: "ws-1", Name: "hello", Runtime: "Python 3.12", Memory: 256, Timeout: 30}
	if err := client.Create(ctx, rec); err != nil {
		t.Fatalf("failed to create: %v", err)
	}
	if rec.ID != "fn-created" || rec.Status != stores.StatusActive {
		t.Errorf("expected server-assigned fields, got %+v", rec)
	}

	patched, err := client.ApplyPatch(ctx, rec.ID, stores.Patch{
		Status:        stores.Ptr(stores.StatusBuilding),
		InvocationURL: stores.Ptr(null.String{}),
	})
	if err != nil {
		t.Fatalf("failed to patch: %v", err)
	}
	if patched.Status != stores.StatusBuilding || patched.Name != "hello" {
		t.Errorf("patch did not merge: %+v", patched)
	}

	list, err := client.ListByWorkspace(ctx, "ws-1")
	if err != nil || len(list) != 1 {
		t.Fatalf("unexpected list result %v, %v", list, err)
	}

	if err := client.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if _, err := client.Get(ctx, rec.ID); !errors.Is(err, stores.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestNewClientValidation tests base URL handling
func TestNewClientValidation(t *testing.T) {
	if _, err := NewBuildClient("  "); err == nil {
		t.Error("expected error for empty base url")
	}
	c, err := NewClusterClient("deployer.internal:8080/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.baseURL != "http://deployer.internal:8080" {
		t.Errorf("unexpected base url %s", c.baseURL)
	}
}
