// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package pvfsdevd

import (
	"context"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NVIDIA/pvfsdev/bucketstats"
	"github.com/NVIDIA/pvfsdev/dirlist"
	"github.com/NVIDIA/pvfsdev/logger"
	"github.com/NVIDIA/pvfsdev/upcall"
	"github.com/NVIDIA/pvfsdev/utils"
)

const httpShutdownTimeout = 5 * time.Second

type httpRequestHandler struct{}

type lsEntryStruct struct {
	Name   string
	Pos    int64
	Handle uint64
	FsID   int32
}

type lsReplyStruct struct {
	Mount    string
	Restarts int
	Entries  []lsEntryStruct
}

func startHTTPServer(addr string) (err error) {
	var (
		mux *http.ServeMux
	)

	globals.httpListener, err = net.Listen("tcp", addr)
	if nil != err {
		return
	}

	mux = http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/", httpRequestHandler{})

	globals.httpServer = &http.Server{Handler: mux}

	globals.wg.Add(1)
	go serveHTTP(globals.httpServer, globals.httpListener)

	logger.Infof("HTTP server listening on %s", globals.httpListener.Addr().String())

	err = nil
	return
}

func serveHTTP(server *http.Server, listener net.Listener) {
	defer globals.wg.Done()

	err := server.Serve(listener)
	if http.ErrServerClosed != err {
		logger.WarnfWithError(err, "HTTP server exited")
	}
}

func stopHTTPServer() {
	if nil == globals.httpServer {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	err := globals.httpServer.Shutdown(ctx)
	cancel()
	if nil != err {
		logger.WarnfWithError(err, "HTTP server shutdown incomplete")
	}

	globals.httpServer = nil
	globals.httpListener = nil
}

func (h httpRequestHandler) ServeHTTP(responseWriter http.ResponseWriter, request *http.Request) {
	if http.MethodGet != request.Method {
		responseWriter.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimRight(request.URL.Path, "/")

	switch {
	case "/config" == path:
		doGetOfConfig(responseWriter, request)
	case "/stats" == path:
		doGetOfStats(responseWriter, request)
	case "/inflight" == path:
		doGetOfInFlight(responseWriter, request)
	case "/mounts" == path:
		doGetOfMounts(responseWriter, request)
	case strings.HasPrefix(path, "/mounts/") && strings.HasSuffix(path, "/ls"):
		doGetOfMountListing(responseWriter, request, strings.TrimSuffix(strings.TrimPrefix(path, "/mounts/"), "/ls"))
	default:
		responseWriter.WriteHeader(http.StatusNotFound)
	}
}

func writeJSON(responseWriter http.ResponseWriter, input interface{}) {
	responseWriter.Header().Set("Content-Type", "application/json")
	responseWriter.WriteHeader(http.StatusOK)
	_, _ = responseWriter.Write([]byte(utils.JSONify(input, true)))
}

func doGetOfConfig(responseWriter http.ResponseWriter, request *http.Request) {
	globals.Lock()
	confMap := globals.confMap
	globals.Unlock()

	if "yaml" != request.URL.Query().Get("format") {
		writeJSON(responseWriter, confMap)
		return
	}

	body, err := yaml.Marshal(confMap)
	if nil != err {
		logger.WarnfWithError(err, "YAML rendering of config failed")
		responseWriter.WriteHeader(http.StatusInternalServerError)
		return
	}

	responseWriter.Header().Set("Content-Type", "application/yaml")
	responseWriter.WriteHeader(http.StatusOK)
	_, _ = responseWriter.Write(body)
}

func doGetOfStats(responseWriter http.ResponseWriter, request *http.Request) {
	responseWriter.Header().Set("Content-Type", "text/plain")
	responseWriter.WriteHeader(http.StatusOK)
	_, _ = responseWriter.Write([]byte(bucketstats.SprintStats(bucketstats.StatFormatParsable1, "*", "*")))
}

func doGetOfInFlight(responseWriter http.ResponseWriter, request *http.Request) {
	inFlight := globals.dispatcher.InFlight()
	if nil == inFlight {
		inFlight = []upcall.InFlightInfo{}
	}
	writeJSON(responseWriter, inFlight)
}

func doGetOfMounts(responseWriter http.ResponseWriter, request *http.Request) {
	mounts := globals.dispatcher.Mounts()
	if nil == mounts {
		mounts = []upcall.Mount{}
	}
	writeJSON(responseWriter, mounts)
}

func doGetOfMountListing(responseWriter http.ResponseWriter, request *http.Request, mountName string) {
	var (
		cursor  *dirlist.Cursor
		entries []dirlist.Entry
		err     error
		found   bool
		mount   upcall.Mount
		reply   lsReplyStruct
	)

	for _, mount = range globals.dispatcher.Mounts() {
		if mountName == mount.Name {
			found = true
			break
		}
	}
	if !found {
		responseWriter.WriteHeader(http.StatusNotFound)
		return
	}
	if mount.Pending {
		responseWriter.WriteHeader(http.StatusConflict)
		return
	}

	cursor = globals.lister.NewCursor(mount.Root, mount.Root)

	entries, err = globals.lister.List(request.Context(), cursor)
	if nil != err {
		logger.WarnfWithError(err, "listing of mount %s failed", mountName)
		responseWriter.WriteHeader(http.StatusBadGateway)
		return
	}

	reply = lsReplyStruct{
		Mount:    mountName,
		Restarts: cursor.Restarts(),
		Entries:  make([]lsEntryStruct, 0, len(entries)),
	}
	for _, entry := range entries {
		reply.Entries = append(reply.Entries, lsEntryStruct{
			Name:   entry.Name,
			Pos:    entry.Pos,
			Handle: entry.Ref.Handle,
			FsID:   entry.Ref.FsID,
		})
	}

	writeJSON(responseWriter, reply)
}
