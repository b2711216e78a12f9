# syntax=docker/dockerfile:1.6
ARG GO_VERSION=1.23
FROM golang:${GO_VERSION}-bookworm AS builder
WORKDIR /src
COPY go.mod go.sum* ./
RUN go mod download
COPY . .
ARG TARGET=./cmd/keeperd
RUN CGO_ENABLED=0 GOOS=linux GOARCH=amd64 go build -trimpath -ldflags="-s -w" -o /out/app ${TARGET}

FROM debian:bookworm-slim
RUN apt-get update \
    && apt-get install -y --no-install-recommends ca-certificates \
    && rm -rf /var/lib/apt/lists/*
WORKDIR /app
COPY --from=builder /out/app /usr/local/bin/app
COPY services/keeper/config.yaml /app/services/keeper/config.yaml
USER nobody
EXPOSE 7090
ENTRYPOINT ["/usr/local/bin/app"]
