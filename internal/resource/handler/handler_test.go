package handler

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"
	"github.com/tidwall/gjson"

	"ban/internal/resource/entities"
	"ban/internal/resource/service"
	"ban/internal/resource/store/memory"
	"ban/pkg/requestcontext"
	"ban/pkg/testutil"
)

type HandlerSuite struct {
	suite.Suite
	router    http.Handler
	principal requestcontext.Principal
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	registry := entities.MustRegistry()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := service.New(registry, memory.New(registry), service.WithLogger(logger))

	s.principal = testutil.Writer(1, WriteScope(entities.Municipality), WriteScope(entities.PostCode))
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, testutil.WithActor(req, s.principal))
		})
	})
	New(svc, logger).Register(r)
	s.router = r
}

func (s *HandlerSuite) do(method, path string, body any) *httptest.ResponseRecorder {
	var req *http.Request
	if body == nil {
		req = testutil.NewRequest(s.T(), method, path)
	} else {
		req = testutil.NewJSONRequest(s.T(), method, path, body)
	}
	return testutil.DoRequest(s.router, req)
}

func (s *HandlerSuite) createMunicipality(name, insee string) string {
	rr := s.do(http.MethodPost, "/municipality", map[string]any{"name": name, "insee": insee})
	s.Require().Equal(http.StatusCreated, rr.Code, rr.Body.String())
	return gjson.Get(rr.Body.String(), "id").String()
}

func (s *HandlerSuite) TestCreateAndGet() {
	rr := s.do(http.MethodPost, "/municipality", map[string]any{"name": "Moret-sur-Loing", "insee": "77316"})
	s.Require().Equal(http.StatusCreated, rr.Code)
	body := rr.Body.String()
	id := gjson.Get(body, "id").String()
	s.Equal("http://example.com/municipality/"+id, rr.Header().Get("Location"))
	s.Equal(int64(1), gjson.Get(body, "version").Int())
	s.Equal("active", gjson.Get(body, "status").String())

	rr = s.do(http.MethodGet, "/municipality/insee:77316", nil)
	s.Require().Equal(http.StatusOK, rr.Code)
	s.Equal(id, gjson.Get(rr.Body.String(), "id").String())

	rr = s.do(http.MethodGet, "/municipality/"+id+"?fields=name", nil)
	s.Require().Equal(http.StatusOK, rr.Code)
	s.Equal("Moret-sur-Loing", gjson.Get(rr.Body.String(), "name").String())
	s.False(gjson.Get(rr.Body.String(), "insee").Exists())
}

func (s *HandlerSuite) TestValidationAndMissing() {
	rr := s.do(http.MethodPost, "/municipality", map[string]any{"insee": "1"})
	s.Equal(http.StatusUnprocessableEntity, rr.Code)
	testutil.AssertFieldErrors(s.T(), rr, "insee", "name")

	rr = s.do(http.MethodGet, "/municipality/insee:99999", nil)
	s.Equal(http.StatusNotFound, rr.Code)

	rr = s.do(http.MethodGet, "/municipality/nope:1", nil)
	s.Equal(http.StatusBadRequest, rr.Code)

	rr = testutil.DoRequest(s.router, testutil.NewRequestWithBody(s.T(), http.MethodPost, "/municipality", "[1]"))
	s.Equal(http.StatusBadRequest, rr.Code)
}

func (s *HandlerSuite) TestRedirectAfterRename() {
	id := s.createMunicipality("Ville", "12345")
	rr := s.do(http.MethodPatch, "/municipality/"+id, map[string]any{"version": 2, "insee": "54321"})
	s.Require().Equal(http.StatusOK, rr.Code, rr.Body.String())
	rr = s.do(http.MethodPatch, "/municipality/"+id, map[string]any{"version": 3, "insee": "12321"})
	s.Require().Equal(http.StatusOK, rr.Code, rr.Body.String())

	rr = s.do(http.MethodGet, "/municipality/insee:12345", nil)
	s.Equal(http.StatusFound, rr.Code)
	s.Equal("http://example.com/municipality/insee:12321", rr.Header().Get("Location"))

	rr = s.do(http.MethodGet, "/municipality/"+id+"/redirects", nil)
	s.Require().Equal(http.StatusOK, rr.Code)
	s.Equal(int64(2), gjson.Get(rr.Body.String(), "total").Int())
}

func (s *HandlerSuite) TestAmbiguousRedirect() {
	a := s.createMunicipality("A", "11111")
	b := s.createMunicipality("B", "22222")
	s.Require().Equal(http.StatusCreated, s.do(http.MethodPut, "/municipality/"+a+"/redirects/insee:99999", nil).Code)
	s.Require().Equal(http.StatusCreated, s.do(http.MethodPut, "/municipality/"+b+"/redirects/insee:99999", nil).Code)

	rr := s.do(http.MethodGet, "/municipality/insee:99999", nil)
	s.Equal(http.StatusMultipleChoices, rr.Code)
	s.Len(rr.Header().Values("Link"), 2)
	s.Len(gjson.Get(rr.Body.String(), "choices").Array(), 2)

	s.Equal(http.StatusNoContent, s.do(http.MethodDelete, "/municipality/"+b+"/redirects/insee:99999", nil).Code)
	rr = s.do(http.MethodGet, "/municipality/insee:99999", nil)
	s.Equal(http.StatusFound, rr.Code)
}

func (s *HandlerSuite) TestConcurrentEdits() {
	id := s.createMunicipality("Moret-sur-Loing", "77316")

	rr := s.do(http.MethodPatch, "/municipality/"+id, map[string]any{"version": 2, "name": "Orvanne"})
	s.Require().Equal(http.StatusOK, rr.Code)
	rr = s.do(http.MethodPatch, "/municipality/"+id, map[string]any{"version": 2, "siren": "123456789"})
	s.Require().Equal(http.StatusOK, rr.Code, rr.Body.String())
	s.Equal(int64(3), gjson.Get(rr.Body.String(), "version").Int())
	s.Equal("Orvanne", gjson.Get(rr.Body.String(), "name").String())

	rr = s.do(http.MethodPatch, "/municipality/"+id, map[string]any{"version": 2, "name": "Autre"})
	s.Equal(http.StatusConflict, rr.Code)
	testutil.AssertErrorCode(s.T(), rr, "conflict")
}

func (s *HandlerSuite) TestDeleteAndRestore() {
	id := s.createMunicipality("Ville", "12345")

	rr := s.do(http.MethodDelete, "/municipality/"+id, nil)
	s.Require().Equal(http.StatusNoContent, rr.Code)

	rr = s.do(http.MethodGet, "/municipality/"+id, nil)
	s.Equal(http.StatusGone, rr.Code)
	s.Equal("deleted", gjson.Get(rr.Body.String(), "status").String())

	rr = s.do(http.MethodPatch, "/municipality/"+id, map[string]any{"version": 3, "name": "X"})
	s.Equal(http.StatusGone, rr.Code)

	rr = s.do(http.MethodGet, "/municipality", nil)
	s.Equal(int64(0), gjson.Get(rr.Body.String(), "total").Int())

	rr = s.do(http.MethodPut, "/municipality/"+id, map[string]any{"version": 3, "name": "Ville", "insee": "12345"})
	s.Require().Equal(http.StatusOK, rr.Code, rr.Body.String())
	s.Equal("active", gjson.Get(rr.Body.String(), "status").String())

	rr = s.do(http.MethodGet, "/municipality/"+id+"/versions", nil)
	s.Require().Equal(http.StatusOK, rr.Code)
	s.Equal(int64(3), gjson.Get(rr.Body.String(), "total").Int())
	s.Equal("deleted", gjson.Get(rr.Body.String(), "collection.1.data.status").String())
}

func (s *HandlerSuite) TestDeleteLinkedResource() {
	id := s.createMunicipality("Ville", "12345")
	rr := s.do(http.MethodPost, "/postcode", map[string]any{"code": "12000", "municipality": id})
	s.Require().Equal(http.StatusCreated, rr.Code, rr.Body.String())

	rr = s.do(http.MethodDelete, "/municipality/"+id, nil)
	s.Equal(http.StatusConflict, rr.Code)
	testutil.AssertFieldErrors(s.T(), rr, "postcodes")
}

func (s *HandlerSuite) TestPagination() {
	for _, insee := range []string{"10001", "10002", "10003"} {
		s.createMunicipality("M"+insee, insee)
	}

	rr := s.do(http.MethodGet, "/municipality?limit=2", nil)
	s.Require().Equal(http.StatusOK, rr.Code)
	body := rr.Body.String()
	s.Equal(int64(3), gjson.Get(body, "total").Int())
	s.Len(gjson.Get(body, "collection").Array(), 2)
	s.Equal("http://example.com/municipality?limit=2&offset=2", gjson.Get(body, "next").String())
	s.False(gjson.Get(body, "previous").Exists())
	s.Equal([]string{`<http://example.com/municipality?limit=2&offset=2>; rel="next"`}, rr.Header().Values("Link"))

	rr = s.do(http.MethodGet, "/municipality?limit=2&offset=2", nil)
	body = rr.Body.String()
	s.Len(gjson.Get(body, "collection").Array(), 1)
	s.Equal("http://example.com/municipality?limit=2&offset=0", gjson.Get(body, "previous").String())

	rr = s.do(http.MethodGet, "/municipality?insee=10002", nil)
	s.Equal(int64(1), gjson.Get(rr.Body.String(), "total").Int())

	rr = s.do(http.MethodGet, "/municipality?limit=-1", nil)
	s.Equal(http.StatusBadRequest, rr.Code)
}

func (s *HandlerSuite) TestVersionLookup() {
	id := s.createMunicipality("Ville", "12345")
	s.Require().Equal(http.StatusOK, s.do(http.MethodPatch, "/municipality/"+id, map[string]any{"version": 2, "name": "Cité"}).Code)

	rr := s.do(http.MethodGet, "/municipality/"+id+"/versions/1", nil)
	s.Require().Equal(http.StatusOK, rr.Code)
	s.Equal("Ville", gjson.Get(rr.Body.String(), "data.name").String())
	s.True(gjson.Get(rr.Body.String(), "period.1").Exists())

	rr = s.do(http.MethodGet, "/municipality/"+id+"/versions/9", nil)
	s.Equal(http.StatusNotFound, rr.Code)

	rr = s.do(http.MethodGet, "/municipality/"+id+"/versions/yesterday", nil)
	s.Equal(http.StatusBadRequest, rr.Code)

	rr = s.do(http.MethodPost, "/municipality/"+id+"/versions/2/flag", nil)
	s.Require().Equal(http.StatusOK, rr.Code, rr.Body.String())
	s.Len(gjson.Get(rr.Body.String(), "flags").Array(), 1)

	rr = s.do(http.MethodPost, "/municipality/"+id+"/versions/2/flag", map[string]any{"status": false})
	s.Require().Equal(http.StatusOK, rr.Code)
	s.Len(gjson.Get(rr.Body.String(), "flags").Array(), 0)

	rr = s.do(http.MethodPost, "/municipality/"+id+"/versions/x/flag", nil)
	s.Equal(http.StatusBadRequest, rr.Code)
}

func (s *HandlerSuite) TestScopes() {
	s.principal = requestcontext.Principal{SessionPK: 2, ContributorType: requestcontext.ContributorViewer}

	rr := s.do(http.MethodPost, "/municipality", map[string]any{"name": "Ville", "insee": "12345"})
	s.Equal(http.StatusUnauthorized, rr.Code)

	rr = s.do(http.MethodGet, "/municipality", nil)
	s.Equal(http.StatusOK, rr.Code)

	s.principal = testutil.Writer(3)
	rr = s.do(http.MethodPost, "/group", map[string]any{"name": "Rue", "kind": "way"})
	s.Equal(http.StatusUnauthorized, rr.Code)
}

func (s *HandlerSuite) TestDiffFeed() {
	id := s.createMunicipality("Ville", "12345")
	s.Require().Equal(http.StatusOK, s.do(http.MethodPatch, "/municipality/"+id, map[string]any{"version": 2, "name": "Cité"}).Code)
	s.createMunicipality("Autre", "54321")

	rr := s.do(http.MethodGet, "/diff?limit=2", nil)
	s.Require().Equal(http.StatusOK, rr.Code)
	body := rr.Body.String()
	s.Len(gjson.Get(body, "collection").Array(), 2)
	s.Equal("Cité", gjson.Get(body, "collection.1.diff.name.new").String())
	s.Equal("Ville", gjson.Get(body, "collection.1.old.name").String())
	s.Contains(gjson.Get(body, "next").String(), "increment=2")

	rr = s.do(http.MethodGet, "/diff?increment=2", nil)
	body = rr.Body.String()
	s.Len(gjson.Get(body, "collection").Array(), 1)
	s.Equal(int64(3), gjson.Get(body, "collection.0.increment").Int())
	s.Nil(gjson.Get(body, "collection.0.old").Value())
}
