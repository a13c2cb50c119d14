package dosewatch

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

func GetIntParameter(r *http.Request, id string) (int, error) {

	parameter := mux.Vars(r)[id]

	value, err := strconv.Atoi(parameter)
	if err != nil {
		return 0, fmt.Errorf("Bad %s parameter: %s", id, parameter)
	}

	return value, nil
}

func GetUintParameter(r *http.Request, id string) (uint64, error) {

	parameter := mux.Vars(r)[id]

	value, err := strconv.ParseUint(parameter, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("Bad %s parameter: %s", id, parameter)
	}

	return value, nil
}
