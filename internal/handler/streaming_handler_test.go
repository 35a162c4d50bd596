package handler

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/feedcache/internal/model"
)

func TestStreamingHandler_ChannelPerStream(t *testing.T) {
	tests := []struct {
		query       string
		wantChannel string
	}{
		{"stream=user", "timeline:42"},
		{"stream=mentions", "timeline:42:mentions"},
		{"stream=direct", "timeline:42:direct"},
		{"stream=list&list=9", "timeline:42:9"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			var buf bytes.Buffer
			var got string
			server := &mockStreamServer{
				serveFn: func(w http.ResponseWriter, r *http.Request, channel string) error {
					got = channel
					return nil
				},
			}
			lists := &mockListFinder{
				findByIDFn: func(ctx context.Context, id int64) (*model.List, error) {
					return &model.List{ID: id, AccountID: 42}, nil
				},
			}
			h := NewStreamingHandler(server, lists, newTestLogger(&buf))

			w := httptest.NewRecorder()
			h.Stream(w, withAccountID(httptest.NewRequest(http.MethodGet, "/api/v1/streaming?"+tt.query, nil), 42))

			if got != tt.wantChannel {
				t.Errorf("channel = %q, want %q", got, tt.wantChannel)
			}
		})
	}
}

func TestStreamingHandler_RejectsUnknownStream(t *testing.T) {
	for _, query := range []string{"", "stream=public", "stream=hashtag"} {
		var buf bytes.Buffer
		server := &mockStreamServer{
			serveFn: func(w http.ResponseWriter, r *http.Request, channel string) error {
				t.Fatal("不正なストリームで接続を開始してはならない")
				return nil
			},
		}
		h := NewStreamingHandler(server, &mockListFinder{}, newTestLogger(&buf))

		w := httptest.NewRecorder()
		h.Stream(w, withAccountID(httptest.NewRequest(http.MethodGet, "/api/v1/streaming?"+query, nil), 1))

		if w.Code != http.StatusBadRequest {
			t.Errorf("%q: status = %d, want %d", query, w.Code, http.StatusBadRequest)
		}
		if body := parseAPIErrorResponse(t, w); body["code"] != model.ErrCodeStreamRejected {
			t.Errorf("%q: code = %q, want %q", query, body["code"], model.ErrCodeStreamRejected)
		}
	}
}

func TestStreamingHandler_List(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		list       *model.List
		findErr    error
		wantStatus int
		wantCode   string
	}{
		{"リストID未指定", "stream=list", nil, nil, http.StatusBadRequest, model.ErrCodeInvalidID},
		{"他人のリスト", "stream=list&list=9", &model.List{ID: 9, AccountID: 2}, nil, http.StatusNotFound, model.ErrCodeListNotFound},
		{"存在しないリスト", "stream=list&list=9", nil, nil, http.StatusNotFound, model.ErrCodeListNotFound},
		{"取得失敗", "stream=list&list=9", nil, errors.New("pq: connection reset"), http.StatusInternalServerError, model.ErrCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			server := &mockStreamServer{
				serveFn: func(w http.ResponseWriter, r *http.Request, channel string) error {
					t.Fatal("接続を開始してはならない")
					return nil
				},
			}
			lists := &mockListFinder{
				findByIDFn: func(ctx context.Context, id int64) (*model.List, error) {
					return tt.list, tt.findErr
				},
			}
			h := NewStreamingHandler(server, lists, newTestLogger(&buf))

			w := httptest.NewRecorder()
			h.Stream(w, withAccountID(httptest.NewRequest(http.MethodGet, "/api/v1/streaming?"+tt.query, nil), 1))

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if body := parseAPIErrorResponse(t, w); body["code"] != tt.wantCode {
				t.Errorf("code = %q, want %q", body["code"], tt.wantCode)
			}
		})
	}
}

func TestStreamingHandler_ServeErrorIsLogged(t *testing.T) {
	var buf bytes.Buffer
	server := &mockStreamServer{
		serveFn: func(w http.ResponseWriter, r *http.Request, channel string) error {
			return errors.New("イベントの送信に失敗しました: broken pipe")
		},
	}
	h := NewStreamingHandler(server, &mockListFinder{}, newTestLogger(&buf))

	h.Stream(httptest.NewRecorder(), withAccountID(httptest.NewRequest(http.MethodGet, "/api/v1/streaming?stream=user", nil), 1))

	if !strings.Contains(buf.String(), "ストリーミングが異常終了しました") {
		t.Errorf("エラーがログに記録されていない: %s", buf.String())
	}
}
