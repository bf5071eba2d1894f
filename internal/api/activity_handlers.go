package api

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// GetRecentActivitiesHandler 获取最近的活动记录
// @Summary 获取最近的活动记录
// @Tags activities
// @Produce json
// @Param limit query int false "返回记录数量限制" default(20)
// @Param account query int false "只返回该账户的记录"
// @Success 200 {array} ActivityResponse
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/activities [get]
func (h *APIHandler) GetRecentActivitiesHandler(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	var accountID *uint
	if s := r.URL.Query().Get("account"); s != "" {
		id, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			RespondWithError(w, http.StatusBadRequest, "invalid account ID")
			return
		}
		v := uint(id)
		accountID = &v
	}

	activities, err := h.Activities.GetRecentActivities(accountID, limit)
	if err != nil {
		RespondWithError(w, http.StatusInternalServerError, "Failed to fetch activities: "+err.Error())
		return
	}

	response := make([]ActivityResponse, 0, len(activities))
	for _, activity := range activities {
		// metadata 是事件的 JSON，解析失败时原样返回
		var metadata interface{}
		if activity.Metadata != "" {
			if err := json.Unmarshal([]byte(activity.Metadata), &metadata); err != nil {
				metadata = activity.Metadata
			}
		}

		response = append(response, ActivityResponse{
			ID:          activity.ID,
			Type:        string(activity.Type),
			Title:       activity.Title,
			Description: activity.Description,
			AccountID:   activity.AccountID,
			Status:      activity.Status,
			Metadata:    metadata,
			CreatedAt:   activity.CreatedAt,
		})
	}

	RespondWithJSON(w, http.StatusOK, response)
}
