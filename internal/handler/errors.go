package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/dmnotify/internal/middleware"
	"github.com/hitoshi/dmnotify/internal/model"
)

// maxRequestBodyBytes はリクエストボディの上限サイズ。
const maxRequestBodyBytes = 64 << 10

var validate = newValidator()

// newValidator はエラーの項目名にJSONのフィールド名を使うvalidatorを生成する。
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// writeJSON はvをJSONとして書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// writeAPIErrorResponse は統一フォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		statusCode := mapAPIErrorToHTTPStatus(apiErr)
		if statusCode >= http.StatusInternalServerError {
			slog.Error("service unavailable", slog.String("code", apiErr.Code), slog.String("error", err.Error()))
		}
		writeAPIErrorResponse(w, statusCode, apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorのカテゴリからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Category {
	case model.CategoryValidation:
		return http.StatusBadRequest
	case model.CategoryNotFound:
		return http.StatusNotFound
	case model.CategoryConflict:
		return http.StatusConflict
	case model.CategoryAuth:
		if apiErr.Code == model.ErrCodeUnauthorized {
			return http.StatusUnauthorized
		}
		return http.StatusForbidden
	case model.CategorySystem:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func invalidRequestError(message string) *model.APIError {
	return &model.APIError{
		Code:     "INVALID_REQUEST",
		Message:  message,
		Category: model.CategoryValidation,
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// decodeRequest はリクエストボディをJSONとして読み込み、構造体タグで検証する。
// 失敗した場合は400を書き込んでfalseを返す。
func decodeRequest(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidRequestError("リクエストボディの解析に失敗しました。"))
		return false
	}

	if err := validate.Struct(dst); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidRequestError(describeValidationError(err)))
		return false
	}
	return true
}

// describeValidationError は検証エラーを項目名の一覧に変換する。
func describeValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "リクエストの形式が不正です。"
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
	}
	return "入力値が不正です: " + strings.Join(fields, ", ")
}

// requireQuery は必須のクエリパラメータを取得する。空の場合は400を書き込んでfalseを返す。
func requireQuery(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidRequestError(name+"は必須です。"))
		return "", false
	}
	return v, true
}

// optionalIntQuery は整数のクエリパラメータを取得する。未指定の場合はdefを返す。
func optionalIntQuery(w http.ResponseWriter, r *http.Request, name string, def int64) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidRequestError(name+"は整数で指定してください。"))
		return 0, false
	}
	return v, true
}

// authorizeActor は認証済みユーザーとリクエスト中の操作ユーザーが一致するかを検証する。
// 認証が無効でコンテキストにユーザーIDがない場合はリクエストの値を信頼する。
// 一致しない場合は403を書き込んでfalseを返す。
func authorizeActor(w http.ResponseWriter, r *http.Request, actorIDs ...string) bool {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		return true
	}
	for _, id := range actorIDs {
		if id == userID {
			return true
		}
	}
	writeAPIErrorResponse(w, http.StatusForbidden, model.NewForbiddenError("他のユーザーとして操作することはできません"))
	return false
}
