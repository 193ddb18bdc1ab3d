/*
包 server 管理 HTTP 服务器的生命周期。

Manager 封装 net/http.Server：Start 非阻塞监听，Shutdown 在超时内排空请求，
超时后取消所有请求共享的基础 context。浏览器运行与请求 context 绑定，
因此停机时仍在推流的运行会被取消并释放浏览器。信号处理由 cmd 负责。
*/
package server
