// Package v3 provides the REST API handlers of the collection registry.
package v3

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/collection-registry/internal/api/common"
	"github.com/stacklok/collection-registry/internal/catalog"
	"github.com/stacklok/collection-registry/internal/service"
	"github.com/stacklok/collection-registry/internal/sources"
)

const (
	// Prefix is the path the v3 router is mounted at
	Prefix = "/api/v3"

	// multipartOverhead is the room left for part headers and the sha256 field
	// on top of the artifact size limit
	multipartOverhead = 1 << 20

	// maxFieldSize bounds a non-file form field
	maxFieldSize = 1 << 10
)

// Routes defines the routes for the collection registry API
type Routes struct {
	service       service.RegistryService
	maxUploadSize int64
}

// RoutesOption configures Routes
type RoutesOption func(*Routes)

// WithMaxUploadSize caps the request body of an upload at the artifact size limit
// plus room for the multipart framing. Zero disables the cap.
func WithMaxUploadSize(size int64) RoutesOption {
	return func(r *Routes) {
		r.maxUploadSize = size
	}
}

// NewRoutes creates a new Routes instance with the provided service
func NewRoutes(svc service.RegistryService, opts ...RoutesOption) *Routes {
	routes := &Routes{service: svc}
	for _, opt := range opts {
		opt(routes)
	}
	return routes
}

// Router creates a new router for the collection registry API
func Router(svc service.RegistryService, opts ...RoutesOption) http.Handler {
	routes := NewRoutes(svc, opts...)

	r := chi.NewRouter()

	r.Route("/repositories/{repository}", func(r chi.Router) {
		r.Post("/artifacts/collections/", routes.uploadCollection)
		r.Get("/artifacts/{digest}", routes.downloadArtifact)

		r.Get("/collections/", routes.listCollections)
		r.Get("/collections/{namespace}/{name}/", routes.getCollection)
		r.Get("/collections/{namespace}/{name}/versions/", routes.listVersions)
		r.Get("/collections/{namespace}/{name}/versions/{version}/", routes.getVersion)
		r.Put("/collections/{namespace}/{name}/versions/{version}/certified/", routes.certify(true))
		r.Delete("/collections/{namespace}/{name}/versions/{version}/certified/", routes.certify(false))

		r.Get("/collection-versions/", routes.ListIndex)

		r.Post("/sync/", routes.triggerSync)
	})

	r.Get("/tasks/{id}/", routes.getTask)
	r.Delete("/tasks/{id}/", routes.cancelTask)

	return r
}

// DownloadPath returns the absolute path serving the artifact with the given digest
func DownloadPath(repository, digest string) string {
	return Prefix + "/repositories/" + url.PathEscape(repository) + "/artifacts/" + digest
}

// uploadCollection handles POST /api/v3/repositories/{repository}/artifacts/collections/
//
// The form is read as a stream. The sha256 field is only honored when it comes
// before the file part, and parts after the file are not read.
//
// @Summary		Upload a collection
// @Description	Store a collection artifact and import it into the repository in the background
// @Tags			artifacts
// @Accept			multipart/form-data
// @Produce		json
// @Param			repository	path		string	true	"Repository name"
// @Param			sha256		formData	string	false	"Expected SHA-256 of the archive, sent before the file"
// @Param			file		formData	file	true	"Collection archive"
// @Success		202			{object}	UploadResponse
// @Failure		400			{object}	common.ErrorResponse
// @Failure		413			{object}	common.ErrorResponse
// @Router			/api/v3/repositories/{repository}/artifacts/collections/ [post]
func (rr *Routes) uploadCollection(w http.ResponseWriter, r *http.Request) {
	repository, err := common.GetAndValidateURLParam(r, "repository")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	if rr.maxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, rr.maxUploadSize+multipartOverhead)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		common.WriteErrorResponse(w, fmt.Sprintf("invalid multipart form: %v", err), http.StatusBadRequest)
		return
	}

	var sha256 string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			common.WriteErrorResponse(w, "file is required", http.StatusBadRequest)
			return
		}
		if err != nil {
			writeFormError(w, r, err)
			return
		}

		switch part.FormName() {
		case "sha256":
			value, err := io.ReadAll(io.LimitReader(part, maxFieldSize+1))
			if err != nil {
				writeFormError(w, r, err)
				return
			}
			if len(value) > maxFieldSize {
				common.WriteErrorResponse(w, "sha256 field is too long", http.StatusBadRequest)
				return
			}
			sha256 = strings.TrimSpace(string(value))
		case "file":
			rr.upload(w, r, repository, part, sha256)
			return
		}
	}
}

func (rr *Routes) upload(w http.ResponseWriter, r *http.Request, repository string, body io.Reader, sha256 string) {
	res, err := rr.service.Upload(r.Context(), service.UploadRequest{
		Repository: repository,
		Body:       body,
		SHA256:     sha256,
	})
	if err != nil {
		common.WriteServiceError(w, r, err)
		return
	}

	common.WriteJSONResponse(w, UploadResponse{
		Task:      res.Job.ID,
		State:     res.Job.State,
		Artifact:  res.Artifact,
		Duplicate: res.Duplicate,
	}, http.StatusAccepted)
}

// writeFormError reports a body over the upload cap as 413 and any other
// framing error as 400
func writeFormError(w http.ResponseWriter, r *http.Request, err error) {
	if common.StatusForError(err) == http.StatusRequestEntityTooLarge {
		common.WriteServiceError(w, r, err)
		return
	}
	common.WriteErrorResponse(w, fmt.Sprintf("invalid multipart form: %v", err), http.StatusBadRequest)
}

// downloadArtifact handles GET /api/v3/repositories/{repository}/artifacts/{digest}
//
// @Summary		Download an artifact
// @Tags			artifacts
// @Produce		application/gzip
// @Param			repository	path	string	true	"Repository name"
// @Param			digest		path	string	true	"Artifact digest"
// @Success		200
// @Failure		404	{object}	common.ErrorResponse
// @Router			/api/v3/repositories/{repository}/artifacts/{digest} [get]
func (rr *Routes) downloadArtifact(w http.ResponseWriter, r *http.Request) {
	digest, err := common.GetAndValidateURLParam(r, "digest")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	rc, ref, err := rr.service.OpenArtifact(r.Context(), digest)
	if err != nil {
		common.WriteServiceError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Length", strconv.FormatInt(ref.Size, 10))
	w.Header().Set("ETag", `"`+ref.Digest.String()+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		slog.WarnContext(r.Context(), "Artifact download interrupted", "digest", ref.Digest.String(), "error", err)
	}
}

// listCollections handles GET /api/v3/repositories/{repository}/collections/
//
// @Summary		List collections
// @Description	List the highest version of every collection in a repository
// @Tags			collections
// @Produce		json
// @Param			repository	path		string	true	"Repository name"
// @Param			namespace	query		string	false	"Limit to a namespace"
// @Success		200			{object}	CollectionListResponse
// @Router			/api/v3/repositories/{repository}/collections/ [get]
func (rr *Routes) listCollections(w http.ResponseWriter, r *http.Request) {
	repository, err := common.GetAndValidateURLParam(r, "repository")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	var opts []service.Option[service.ListCollectionsOptions]
	if ns := r.URL.Query().Get("namespace"); ns != "" {
		opts = append(opts, service.WithNamespace[service.ListCollectionsOptions](ns))
	}

	versions, err := rr.service.ListCollections(r.Context(), repository, opts...)
	if err != nil {
		common.WriteServiceError(w, r, err)
		return
	}

	resp := CollectionListResponse{Count: len(versions), Results: make([]VersionResponse, 0, len(versions))}
	for _, pv := range versions {
		resp.Results = append(resp.Results, toVersionResponse(repository, pv))
	}
	common.WriteJSONResponse(w, resp, http.StatusOK)
}

// getCollection handles GET /api/v3/repositories/{repository}/collections/{namespace}/{name}/
func (rr *Routes) getCollection(w http.ResponseWriter, r *http.Request) {
	repository, namespace, name, ok := collectionParams(w, r)
	if !ok {
		return
	}

	pv, err := rr.service.GetHighest(r.Context(), repository, namespace, name)
	if err != nil {
		common.WriteServiceError(w, r, err)
		return
	}
	common.WriteJSONResponse(w, toVersionResponse(repository, pv), http.StatusOK)
}

// listVersions handles GET /api/v3/repositories/{repository}/collections/{namespace}/{name}/versions/
//
// @Summary		List versions
// @Description	List the versions of a collection, highest first
// @Tags			collections
// @Produce		json
// @Param			repository	path		string	true	"Repository name"
// @Param			namespace	path		string	true	"Collection namespace"
// @Param			name		path		string	true	"Collection name"
// @Param			page		query		int		false	"Page number"
// @Param			page_size	query		int		false	"Page size"
// @Success		200			{object}	VersionListResponse
// @Failure		404			{object}	common.ErrorResponse
// @Router			/api/v3/repositories/{repository}/collections/{namespace}/{name}/versions/ [get]
func (rr *Routes) listVersions(w http.ResponseWriter, r *http.Request) {
	repository, namespace, name, ok := collectionParams(w, r)
	if !ok {
		return
	}

	page, size, err := pageParams(r)
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := rr.service.ListVersions(r.Context(), repository, namespace, name,
		service.WithPage[service.ListVersionsOptions](page),
		service.WithPageSize[service.ListVersionsOptions](size),
	)
	if err != nil {
		common.WriteServiceError(w, r, err)
		return
	}

	resp := VersionListResponse{
		Count:    res.Total,
		Page:     res.Page,
		PageSize: res.PageSize,
		Results:  make([]VersionResponse, 0, len(res.Items)),
	}
	for _, pv := range res.Items {
		resp.Results = append(resp.Results, toVersionResponse(repository, pv))
	}
	common.WriteJSONResponse(w, resp, http.StatusOK)
}

// getVersion handles GET /api/v3/repositories/{repository}/collections/{namespace}/{name}/versions/{version}/
func (rr *Routes) getVersion(w http.ResponseWriter, r *http.Request) {
	repository, namespace, name, ok := collectionParams(w, r)
	if !ok {
		return
	}
	version, err := common.GetAndValidateURLParam(r, "version")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	pv, err := rr.service.GetVersion(r.Context(), repository, namespace, name, version)
	if err != nil {
		common.WriteServiceError(w, r, err)
		return
	}
	common.WriteJSONResponse(w, toVersionResponse(repository, pv), http.StatusOK)
}

// certify returns the handler setting (PUT) or clearing (DELETE) the certified flag of a version
func (rr *Routes) certify(certified bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		repository, namespace, name, ok := collectionParams(w, r)
		if !ok {
			return
		}
		version, err := common.GetAndValidateURLParam(r, "version")
		if err != nil {
			common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
			return
		}

		pv, err := rr.service.SetCertified(r.Context(), repository, namespace, name, version, certified)
		if err != nil {
			common.WriteServiceError(w, r, err)
			return
		}
		common.WriteJSONResponse(w, toVersionResponse(repository, pv), http.StatusOK)
	}
}

// ListIndex handles GET /api/v3/repositories/{repository}/collection-versions/
//
// The response uses the upstream index format, so one registry can sync from another.
//
// @Summary		Collection version index
// @Tags			collections
// @Produce		json
// @Param			repository	path		string	true	"Repository name"
// @Param			namespace	query		string	false	"Limit to a namespace"
// @Param			page		query		int		false	"Page number"
// @Param			page_size	query		int		false	"Page size"
// @Success		200			{object}	sources.IndexPage
// @Router			/api/v3/repositories/{repository}/collection-versions/ [get]
func (rr *Routes) ListIndex(w http.ResponseWriter, r *http.Request) {
	repository, err := common.GetAndValidateURLParam(r, "repository")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	page, size, err := pageParams(r)
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	opts := []service.Option[service.ListIndexOptions]{
		service.WithPage[service.ListIndexOptions](page),
		service.WithPageSize[service.ListIndexOptions](size),
	}
	if ns := r.URL.Query().Get("namespace"); ns != "" {
		opts = append(opts, service.WithNamespace[service.ListIndexOptions](ns))
	}

	res, err := rr.service.ListIndex(r.Context(), repository, opts...)
	if err != nil {
		common.WriteServiceError(w, r, err)
		return
	}

	out := sources.IndexPage{
		Count:        res.Total,
		LastModified: res.LastModified,
		Results:      make([]sources.CollectionVersionEntry, 0, len(res.Items)),
	}
	for _, item := range res.Items {
		out.Results = append(out.Results, sources.CollectionVersionEntry{
			Namespace: sources.NamespaceRef{Name: item.Version.Namespace},
			Name:      item.Version.Name,
			Version:   item.Version.Version,
			Artifact: sources.ArtifactInfo{
				SHA256: item.Artifact.Digest.Encoded(),
				Size:   item.Artifact.Size,
			},
			DownloadURL: DownloadPath(repository, item.Artifact.Digest.String()),
		})
	}

	if res.HasNext() {
		out.Next = pageLink(r, res.Page+1)
	}
	if res.Page > 1 {
		out.Previous = pageLink(r, res.Page-1)
	}
	common.WriteJSONResponse(w, out, http.StatusOK)
}

// getTask handles GET /api/v3/tasks/{id}/
//
// @Summary		Get a task
// @Tags			tasks
// @Produce		json
// @Param			id	path		string	true	"Task ID"
// @Success		200	{object}	tasking.Job
// @Failure		404	{object}	common.ErrorResponse
// @Router			/api/v3/tasks/{id}/ [get]
func (rr *Routes) getTask(w http.ResponseWriter, r *http.Request) {
	id, err := common.GetAndValidateURLParam(r, "id")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	job, err := rr.service.JobStatus(r.Context(), id)
	if err != nil {
		common.WriteServiceError(w, r, err)
		return
	}
	common.WriteJSONResponse(w, job, http.StatusOK)
}

// cancelTask handles DELETE /api/v3/tasks/{id}/
func (rr *Routes) cancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := common.GetAndValidateURLParam(r, "id")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	job, err := rr.service.CancelJob(r.Context(), id)
	if err != nil {
		common.WriteServiceError(w, r, err)
		return
	}
	common.WriteJSONResponse(w, job, http.StatusOK)
}

// triggerSync handles POST /api/v3/repositories/{repository}/sync/
//
// @Summary		Sync a remote
// @Description	Submit a sync of a configured remote into the repository
// @Tags			sync
// @Accept			json
// @Produce		json
// @Param			repository	path		string		true	"Target repository"
// @Param			request		body		SyncRequest	true	"Sync request"
// @Success		202			{object}	tasking.Job
// @Failure		400			{object}	common.ErrorResponse
// @Failure		404			{object}	common.ErrorResponse
// @Router			/api/v3/repositories/{repository}/sync/ [post]
func (rr *Routes) triggerSync(w http.ResponseWriter, r *http.Request) {
	repository, err := common.GetAndValidateURLParam(r, "repository")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		common.WriteErrorResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.Remote == "" {
		common.WriteErrorResponse(w, "remote is required", http.StatusBadRequest)
		return
	}

	job, err := rr.service.TriggerSync(r.Context(), service.SyncRequest{
		Remote:       req.Remote,
		Target:       repository,
		Requirements: req.Requirements,
		Optimize:     req.Optimize,
	})
	if err != nil {
		common.WriteServiceError(w, r, err)
		return
	}
	common.WriteJSONResponse(w, job, http.StatusAccepted)
}

func collectionParams(w http.ResponseWriter, r *http.Request) (repository, namespace, name string, ok bool) {
	for _, p := range []struct {
		param string
		dst   *string
	}{
		{"repository", &repository},
		{"namespace", &namespace},
		{"name", &name},
	} {
		v, err := common.GetAndValidateURLParam(r, p.param)
		if err != nil {
			common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
			return "", "", "", false
		}
		*p.dst = v
	}
	return repository, namespace, name, true
}

func pageParams(r *http.Request) (page, size int, err error) {
	page, err = common.GetIntQueryParam(r, "page", 1)
	if err != nil {
		return 0, 0, err
	}
	size, err = common.GetIntQueryParam(r, "page_size", service.DefaultPageSize)
	if err != nil {
		return 0, 0, err
	}
	return page, size, nil
}

func pageLink(r *http.Request, page int) *string {
	link, err := sources.PageURL(r.URL.RequestURI(), page)
	if err != nil {
		slog.WarnContext(r.Context(), "Failed to build page link", "error", err)
		return nil
	}
	return &link
}

func toVersionResponse(repository string, pv *catalog.PackageVersion) VersionResponse {
	return VersionResponse{
		PackageVersion: pv,
		DownloadURL:    DownloadPath(repository, pv.ArtifactDigest),
	}
}
