// Hand-maintained gomock mock of RemoteAPI, in the layout mockgen emits.
// Keep it in step with the interface when its methods change.
package syncer

import (
	context "context"
	reflect "reflect"

	api "github.com/alexjbarnes/bookmark-sync/internal/api"
	gomock "go.uber.org/mock/gomock"
)

// MockRemoteAPI is a mock of RemoteAPI interface.
type MockRemoteAPI struct {
	ctrl     *gomock.Controller
	recorder *MockRemoteAPIMockRecorder
	isgomock struct{}
}

// MockRemoteAPIMockRecorder is the mock recorder for MockRemoteAPI.
type MockRemoteAPIMockRecorder struct {
	mock *MockRemoteAPI
}

// NewMockRemoteAPI creates a new mock instance.
func NewMockRemoteAPI(ctrl *gomock.Controller) *MockRemoteAPI {
	mock := &MockRemoteAPI{ctrl: ctrl}
	mock.recorder = &MockRemoteAPIMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockRemoteAPI) EXPECT() *MockRemoteAPIMockRecorder {
	return m.recorder
}

// CreateBookmark mocks base method.
func (m *MockRemoteAPI) CreateBookmark(ctx context.Context, in api.BookmarkInput) (*api.Record, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "CreateBookmark", ctx, in)
	ret0, _ := ret[0].(*api.Record)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// CreateBookmark indicates an expected call of CreateBookmark.
func (mr *MockRemoteAPIMockRecorder) CreateBookmark(ctx, in any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "CreateBookmark", reflect.TypeOf((*MockRemoteAPI)(nil).CreateBookmark), ctx, in)
}

// DeleteBookmark mocks base method.
func (m *MockRemoteAPI) DeleteBookmark(ctx context.Context, id api.RecordID) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "DeleteBookmark", ctx, id)
	ret0, _ := ret[0].(error)
	return ret0
}

// DeleteBookmark indicates an expected call of DeleteBookmark.
func (mr *MockRemoteAPIMockRecorder) DeleteBookmark(ctx, id any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "DeleteBookmark", reflect.TypeOf((*MockRemoteAPI)(nil).DeleteBookmark), ctx, id)
}

// ListBookmarks mocks base method.
func (m *MockRemoteAPI) ListBookmarks(ctx context.Context) ([]api.Record, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "ListBookmarks", ctx)
	ret0, _ := ret[0].([]api.Record)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// ListBookmarks indicates an expected call of ListBookmarks.
func (mr *MockRemoteAPIMockRecorder) ListBookmarks(ctx any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "ListBookmarks", reflect.TypeOf((*MockRemoteAPI)(nil).ListBookmarks), ctx)
}

// SearchByURL mocks base method.
func (m *MockRemoteAPI) SearchByURL(ctx context.Context, url string) (*api.Record, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "SearchByURL", ctx, url)
	ret0, _ := ret[0].(*api.Record)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// SearchByURL indicates an expected call of SearchByURL.
func (mr *MockRemoteAPIMockRecorder) SearchByURL(ctx, url any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "SearchByURL", reflect.TypeOf((*MockRemoteAPI)(nil).SearchByURL), ctx, url)
}

// UpdateBookmark mocks base method.
func (m *MockRemoteAPI) UpdateBookmark(ctx context.Context, id api.RecordID, in api.BookmarkInput) (*api.Record, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "UpdateBookmark", ctx, id, in)
	ret0, _ := ret[0].(*api.Record)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// UpdateBookmark indicates an expected call of UpdateBookmark.
func (mr *MockRemoteAPIMockRecorder) UpdateBookmark(ctx, id, in any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "UpdateBookmark", reflect.TypeOf((*MockRemoteAPI)(nil).UpdateBookmark), ctx, id, in)
}

// Verify mocks base method.
func (m *MockRemoteAPI) Verify(ctx context.Context) (*api.User, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Verify", ctx)
	ret0, _ := ret[0].(*api.User)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// Verify indicates an expected call of Verify.
func (mr *MockRemoteAPIMockRecorder) Verify(ctx any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Verify", reflect.TypeOf((*MockRemoteAPI)(nil).Verify), ctx)
}
